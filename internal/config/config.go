// Package config loads server configuration from the environment, an optional
// .env file and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string        `env:"CHATROOMS_ADDR"             envDefault:":8080"`
	DBDriver        string        `env:"CHATROOMS_DB_DRIVER"        envDefault:"sqlite3"`
	DBDSN           string        `env:"CHATROOMS_DB_DSN"           envDefault:"chatrooms.db"`
	MediaDir        string        `env:"CHATROOMS_MEDIA_DIR"        envDefault:"media"`
	MediaURLPrefix  string        `env:"CHATROOMS_MEDIA_URL_PREFIX" envDefault:"/media/"`
	CookieSecret    string        `env:"CHATROOMS_COOKIE_SECRET"`
	LogLevel        string        `env:"CHATROOMS_LOG_LEVEL"        envDefault:"info"`
	AllowedOrigins  []string      `env:"CHATROOMS_ALLOWED_ORIGINS"  envSeparator:","`
	MaxFrameBytes   int64         `env:"CHATROOMS_MAX_FRAME_BYTES"  envDefault:"16777216"`
	MaxUploadBytes  int64         `env:"CHATROOMS_MAX_UPLOAD_BYTES" envDefault:"10485760"`
	RateLimitRPS    float64       `env:"CHATROOMS_RATE_LIMIT_RPS"   envDefault:"5"`
	RateLimitBurst  int           `env:"CHATROOMS_RATE_LIMIT_BURST" envDefault:"10"`
	SendBuffer      int           `env:"CHATROOMS_SEND_BUFFER"      envDefault:"256"`
	ShutdownTimeout time.Duration `env:"CHATROOMS_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

const minSecretLen = 16

// Load reads dotenvPath (if it exists), then the environment, then args.
func Load(flags *flag.FlagSet, args []string, dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !isNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	origins := strings.Join(cfg.AllowedOrigins, ",")
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	flags.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "database driver (sqlite3 or postgres)")
	flags.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "database data source name")
	flags.StringVar(&cfg.MediaDir, "media-dir", cfg.MediaDir, "directory for uploaded media")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flags.StringVar(&origins, "allowed-origins", origins, "comma separated websocket origins, * for any")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = splitList(origins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if len(c.CookieSecret) < minSecretLen {
		return fmt.Errorf("CHATROOMS_COOKIE_SECRET must be at least %d bytes", minSecretLen)
	}
	if c.MaxFrameBytes <= 0 || c.MaxUploadBytes <= 0 {
		return errors.New("frame and upload limits must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("send buffer must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
