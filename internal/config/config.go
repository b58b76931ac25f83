package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Queue struct {
		Capacity        int
		ShutdownTimeout time.Duration
	}
	Download struct {
		DataDir   string
		Overwrite bool
	}
	Transfer struct {
		ChunkSize int
		Timeout   time.Duration
		UserAgent string
	}
	Storage struct {
		Bucket        string
		KeyPrefix     string
		Region        string
		Endpoint      string
		AccessKey     string
		SecretKey     string
		BlobURL       string
		PresignExpiry time.Duration
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
	Torrent struct {
		Enabled bool
		DataDir string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
// DLQ_CONFIG names an explicit config file; otherwise config.{yaml,toml,json}
// in the working directory is used when present.
func Load() (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix("DLQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if file := os.Getenv("DLQ_CONFIG"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/downloads.db")
	v.SetDefault("queue.capacity", 5)
	v.SetDefault("queue.shutdowntimeout", "30s")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.overwrite", false)
	v.SetDefault("transfer.chunksize", 1024)
	v.SetDefault("transfer.timeout", "0s")
	v.SetDefault("transfer.useragent", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "downloads")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bloburl", "")
	v.SetDefault("storage.presignexpiry", "15m")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 60*24)
	v.SetDefault("torrent.enabled", false)
	v.SetDefault("torrent.datadir", "data/torrents")
	v.SetDefault("log.level", "info")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1, got %d", c.Queue.Capacity)
	}
	if c.Transfer.ChunkSize < 1 {
		return fmt.Errorf("transfer.chunksize must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.Timeout < 0 || c.Queue.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Auth.TokenTTLMinutes < 1 {
		return fmt.Errorf("auth.tokenttlminutes must be positive, got %d", c.Auth.TokenTTLMinutes)
	}
	return nil
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
