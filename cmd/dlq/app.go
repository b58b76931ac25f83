package main

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"download-queue/internal/fetcher"
	"download-queue/internal/queue"
	"download-queue/internal/sink"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "dlq",
		Usage: "download files through a bounded concurrent queue",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "concurrency",
				Aliases: []string{"c"},
				Value:   queue.DefaultCapacity,
				Usage:   "maximum number of simultaneous downloads",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   ".",
				Usage:   "directory downloads are written to",
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "request header as `KEY=VALUE`, repeatable; an empty value removes a default header",
			},
			&cli.StringSliceFlag{
				Name:  "cookie",
				Usage: "cookie as `NAME=VALUE`, repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "param",
				Usage: "query parameter as `KEY=VALUE`, repeatable",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Value: fetcher.DefaultChunkSize,
				Usage: "bytes copied per write",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "limit for each download, 0 disables it",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "replace existing files",
			},
			&cli.StringFlag{
				Name:  "torrent-dir",
				Usage: "piece storage for magnet links (default: <output>/.torrents)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log progress and queue events",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "download every URL given as argument",
				ArgsUsage: "URL...",
				Action:    getAction,
			},
			{
				Name:      "batch",
				Usage:     "download the URLs listed in FILE, one per line with an optional file name",
				ArgsUsage: "FILE|-",
				Action:    batchAction,
			},
		},
	}
}

// entry is one download requested on the command line.
type entry struct {
	locator string
	name    string
}

func getAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one URL is required", 2)
	}
	entries := make([]entry, 0, c.NArg())
	for _, arg := range c.Args().Slice() {
		entries = append(entries, entry{locator: arg})
	}
	return download(c, entries)
}

func batchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one batch file is required", 2)
	}

	var r io.Reader = c.App.Reader
	if name := c.Args().First(); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open batch file: %v", err), 2)
		}
		defer f.Close()
		r = f
	}

	entries, err := readBatch(r)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if len(entries) == 0 {
		return cli.Exit("batch file lists no URLs", 2)
	}
	return download(c, entries)
}

// readBatch parses "URL [NAME]" lines. Blank lines and lines starting with #
// are skipped.
func readBatch(r io.Reader) ([]entry, error) {
	var entries []entry
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) > 2 {
			return nil, fmt.Errorf("line %d: expected URL and optional name, got %d fields", line, len(fields))
		}
		e := entry{locator: fields[0]}
		if len(fields) == 2 {
			e.name = fields[1]
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return entries, nil
}

func download(c *cli.Context, entries []entry) error {
	logger := logrus.New()
	logger.SetOutput(c.App.ErrWriter)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if c.Bool("verbose") {
		logger.SetLevel(logrus.DebugLevel)
	}

	opts, err := transferOptions(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	outDir := c.String("output")
	targets, err := destinations(outDir, entries)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	router := fetcher.NewRouter().Handle(fetcher.NewHTTP(fetcher.Options{
		ChunkSize: opts.ChunkSize,
		Logger:    logger,
	}), "http", "https")
	if needsTorrent(entries) {
		dir := c.String("torrent-dir")
		if dir == "" {
			dir = filepath.Join(outDir, ".torrents")
		}
		t, err := fetcher.NewTorrent(fetcher.TorrentOptions{DataDir: dir, Logger: logger})
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		router.Handle(t, "magnet")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var handles []*queue.Handle
	var rejected int
	err = queue.Run(router, queue.Config{Capacity: c.Int("concurrency"), Logger: logger}, func(q *queue.Queue) error {
		for i, e := range entries {
			h, err := q.Add(ctx, queue.Task{
				Locator: e.locator,
				Sink:    sink.NewFile(targets[i], c.Bool("overwrite")),
				Options: opts,
			})
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				rejected++
				fmt.Fprintf(c.App.Writer, "FAIL %s: %v\n", e.locator, err)
				continue
			}
			handles = append(handles, h)
		}
		q.Wait()
		return nil
	})

	failed := rejected
	for _, h := range handles {
		res := h.Result()
		if res.Outcome == queue.Failure {
			failed++
			fmt.Fprintf(c.App.Writer, "FAIL %s: %v\n", res.Task.Locator, res.Err)
			continue
		}
		fmt.Fprintf(c.App.Writer, "ok   %s -> %s (%d bytes in %s)\n", res.Task.Locator, res.Task.Sink, res.Bytes, res.Duration().Round(time.Millisecond))
	}

	if err != nil {
		return cli.Exit(fmt.Sprintf("download queue: %v", err), 1)
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d downloads failed", failed, len(entries)), 1)
	}
	return nil
}

func transferOptions(c *cli.Context) (queue.TransferOptions, error) {
	opts := queue.TransferOptions{
		ChunkSize: c.Int("chunk-size"),
		Timeout:   c.Duration("timeout"),
	}
	if opts.ChunkSize < 1 {
		return opts, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	if opts.Timeout < 0 {
		return opts, fmt.Errorf("timeout must not be negative")
	}
	if c.Int("concurrency") < 1 {
		return opts, fmt.Errorf("concurrency must be at least 1, got %d", c.Int("concurrency"))
	}

	var err error
	if opts.Headers, err = parsePairs("header", c.StringSlice("header")); err != nil {
		return opts, err
	}
	if opts.Cookies, err = parsePairs("cookie", c.StringSlice("cookie")); err != nil {
		return opts, err
	}
	if opts.Params, err = parsePairs("param", c.StringSlice("param")); err != nil {
		return opts, err
	}
	return opts, nil
}

func parsePairs(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	pairs := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --%s %q, expected KEY=VALUE", flag, v)
		}
		pairs[key] = strings.TrimSpace(value)
	}
	return pairs, nil
}

// destinations returns one distinct file path per entry inside dir. Names
// that collide get the first free numeric suffix.
func destinations(dir string, entries []entry) ([]string, error) {
	used := make(map[string]bool, len(entries))
	paths := make([]string, len(entries))
	for i, e := range entries {
		name := e.name
		if name == "" {
			name = outputName(e.locator, i+1)
		}
		if !filepath.IsLocal(name) {
			return nil, fmt.Errorf("file name %q must stay inside %s", name, dir)
		}
		if used[name] {
			ext := filepath.Ext(name)
			stem := strings.TrimSuffix(name, ext)
			for n := 1; ; n++ {
				candidate := stem + "-" + strconv.Itoa(n) + ext
				if !used[candidate] {
					name = candidate
					break
				}
			}
		}
		used[name] = true
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}

func outputName(locator string, n int) string {
	fallback := "download-" + strconv.Itoa(n)
	u, err := url.Parse(locator)
	if err != nil {
		return fallback
	}
	if strings.EqualFold(u.Scheme, "magnet") {
		if dn := u.Query().Get("dn"); dn != "" && filepath.IsLocal(dn) {
			return filepath.Base(dn)
		}
		return fallback
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return fallback
	}
	return base
}

func needsTorrent(entries []entry) bool {
	for _, e := range entries {
		if u, err := url.Parse(e.locator); err == nil && strings.EqualFold(u.Scheme, "magnet") {
			return true
		}
	}
	return false
}
