// Package config loads runtime settings from defaults, an optional YAML file and
// SWARMGET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v2"
)

const EnvPrefix = "SWARMGET"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	OutputDir      string        `mapstructure:"output_dir" yaml:"output_dir"`
	ListenPort     uint16        `mapstructure:"listen_port" yaml:"listen_port"`
	TrackerTimeout time.Duration `mapstructure:"tracker_timeout" yaml:"tracker_timeout"`
	TrackerRetries int           `mapstructure:"tracker_retries" yaml:"tracker_retries"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	PipelineDepth  int           `mapstructure:"pipeline_depth" yaml:"pipeline_depth"`
	MaxConns       int           `mapstructure:"max_conns" yaml:"max_conns"`
	DownloadRate   string        `mapstructure:"download_rate" yaml:"download_rate"`
	VerifyPieces   bool          `mapstructure:"verify_pieces" yaml:"verify_pieces"`
	LogLevel       string        `mapstructure:"log_level" yaml:"log_level"`

	// upload service
	Listen    string `mapstructure:"listen" yaml:"listen"`
	UploadDir string `mapstructure:"upload_dir" yaml:"upload_dir"`
	Autostart bool   `mapstructure:"autostart" yaml:"autostart"`
}

var defaults = map[string]any{
	"output_dir":      ".",
	"listen_port":     6881,
	"tracker_timeout": 5 * time.Second,
	"tracker_retries": 0,
	"dial_timeout":    10 * time.Second,
	"pipeline_depth":  1,
	"max_conns":       0,
	"download_rate":   "",
	"verify_pieces":   false,
	"log_level":       "info",
	"listen":          ":3000",
	"upload_dir":      "./torrents",
	"autostart":       true,
}

// Default is the configuration used when nothing is overridden.
func Default() Config {
	c, err := Load("")
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads the file at path, if any, on top of the defaults. Environment variables
// such as SWARMGET_PIPELINE_DEPTH take precedence over both.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.PipelineDepth < 1 {
		return fmt.Errorf("%w: pipeline_depth must be at least 1, got %d", ErrInvalid, c.PipelineDepth)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("%w: max_conns must not be negative", ErrInvalid)
	}
	if c.TrackerRetries < 0 {
		return fmt.Errorf("%w: tracker_retries must not be negative", ErrInvalid)
	}
	if _, err := RateLimiter(c.DownloadRate); err != nil {
		return fmt.Errorf("%w: download_rate: %v", ErrInvalid, err)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses log_level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	return level, nil
}

// Limiter builds the download rate limiter shared by every connection.
func (c Config) Limiter() *rate.Limiter {
	l, err := RateLimiter(c.DownloadRate)
	if err != nil {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

// WriteYAML writes c in the format Load accepts.
func (c Config) WriteYAML(w io.Writer) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// RateLimiter parses a rate such as "low", "high", "512kb" or "unlimited" into a limiter
// of bytes per second with a burst of three seconds.
func RateLimiter(rstr string) (*rate.Limiter, error) {
	var rateSize int
	rstr = strings.ToLower(strings.TrimSpace(rstr))
	switch rstr {
	case "low":
		rateSize = 50000
	case "medium":
		rateSize = 500000
	case "high":
		rateSize = 1500000
	case "unlimited", "0", "":
		return rate.NewLimiter(rate.Inf, 0), nil
	default:
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(rstr)); err != nil {
			return nil, err
		}
		if v > 2147483647 {
			return nil, errors.New("rate exceeds int range")
		}
		rateSize = int(v)
	}
	return rate.NewLimiter(rate.Limit(rateSize), rateSize*3), nil
}
