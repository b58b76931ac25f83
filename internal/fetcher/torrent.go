package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"

	"download-queue/internal/queue"
)

// ErrNoFiles is returned when a torrent carries no files.
var ErrNoFiles = errors.New("fetcher: torrent has no files")

type TorrentOptions struct {
	// DataDir holds piece data while a torrent downloads.
	DataDir  string
	Trackers []string
	Logger   *logrus.Logger
}

// Torrent downloads magnet locators with an anacrolix client. The largest file
// of the torrent is streamed into the sink.
type Torrent struct {
	client   *torrent.Client
	trackers []string
	logger   *logrus.Logger
}

func NewTorrent(opts TorrentOptions) (*Torrent, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("torrent data dir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create torrent data dir: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if len(opts.Trackers) == 0 {
		opts.Trackers = DefaultTrackers()
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = opts.DataDir
	cfg.Seed = false
	cfg.NoUpload = true

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	opts.Logger.Infof("torrent client started, data dir: %s", opts.DataDir)

	return &Torrent{client: client, trackers: opts.Trackers, logger: opts.Logger}, nil
}

// Transfer implements queue.Fetcher.
func (t *Torrent) Transfer(ctx context.Context, locator string, sink queue.Sink, opts queue.TransferOptions) (int64, error) {
	tor, err := t.client.AddMagnet(locator)
	if err != nil {
		return 0, fmt.Errorf("add magnet: %w", err)
	}
	defer tor.Drop()

	for _, tracker := range t.trackers {
		tor.AddTrackers([][]string{{tracker}})
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-tor.GotInfo():
	}

	var file *torrent.File
	for _, f := range tor.Files() {
		if file == nil || f.Length() > file.Length() {
			file = f
		}
	}
	if file == nil {
		return 0, ErrNoFiles
	}

	logger := t.logger.WithFields(logrus.Fields{
		"info_hash": tor.InfoHash().HexString(),
		"file":      file.DisplayPath(),
	})
	logger.Infof("torrent metadata received, streaming %s", formatBytes(file.Length()))

	file.Download()
	r := file.NewReader()
	defer r.Close()
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	n, err := deliver(ctx, sink, r, opts.ChunkSize, file.Length(), progressLogger(logger))
	if err != nil && ctx.Err() != nil {
		return n, errors.Join(ctx.Err(), err)
	}
	return n, err
}

// Close stops the torrent client.
func (t *Torrent) Close() error {
	return errors.Join(t.client.Close()...)
}

// DefaultTrackers are announced for every magnet in addition to its own.
func DefaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ queue.Fetcher = (*Torrent)(nil)
