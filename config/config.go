package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable, e.g. TUMOR_WEIGHTS_PATH.
const EnvPrefix = "TUMOR"

var (
	ErrInvalidConfig = errors.New("invalid config")
)

type Config struct {
	Addr string

	WeightsPath string `split_words:"true"`
	OrtLibrary  string `split_words:"true"`
	Device      string
	Labels      []string

	InputSize      int           `split_words:"true"`
	ConfThreshold  float32       `split_words:"true"`
	IouThreshold   float32       `split_words:"true"`
	MaxDetections  int           `split_words:"true"`
	PoolSize       int           `split_words:"true"`
	AcquireTimeout time.Duration `split_words:"true"`

	TempDir         string `split_words:"true"`
	OutputRoot      string `split_words:"true"`
	CleanupWorkers  int    `split_words:"true"`
	CleanupQueue    int    `split_words:"true"`
	MaxUploadMemory int64  `split_words:"true"`

	ReadTimeout     time.Duration `split_words:"true"`
	WriteTimeout    time.Duration `split_words:"true"`
	ShutdownTimeout time.Duration `split_words:"true"`

	CorsOrigins []string `split_words:"true"`
	LogLevel    string   `split_words:"true"`
	Debug       bool
}

var DefaultConfig = Config{
	Addr: "0.0.0.0:8001",

	WeightsPath: "weights/best.onnx",
	Device:      "auto",
	Labels:      []string{"tumor"},

	InputSize:      640,
	ConfThreshold:  0.25,
	IouThreshold:   0.45,
	MaxDetections:  300,
	PoolSize:       2,
	AcquireTimeout: 30 * time.Second,

	OutputRoot:      "runs/detect",
	CleanupWorkers:  2,
	CleanupQueue:    64,
	MaxUploadMemory: 32 << 20,

	ReadTimeout:     60 * time.Second,
	WriteTimeout:    120 * time.Second,
	ShutdownTimeout: 15 * time.Second,

	CorsOrigins: []string{"*"},
}

func WithWeightsPath(path string) func(*Config) {
	return func(c *Config) {
		c.WeightsPath = path
	}
}

func WithOutputRoot(root string) func(*Config) {
	return func(c *Config) {
		c.OutputRoot = root
	}
}

func WithTempDir(dir string) func(*Config) {
	return func(c *Config) {
		c.TempDir = dir
	}
}

func New(options ...func(*Config)) *Config {
	cfg := DefaultConfig
	cfg.Labels = append([]string(nil), DefaultConfig.Labels...)
	cfg.CorsOrigins = append([]string(nil), DefaultConfig.CorsOrigins...)
	for _, opt := range options {
		opt(&cfg)
	}
	return &cfg
}

// Load builds the config from the defaults overridden by TUMOR_* environment
// variables. It does not validate: callers apply their own overrides first and
// then call Validate.
func Load(options ...func(*Config)) (*Config, error) {
	cfg := New(options...)
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("read config from env: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: empty listen address", ErrInvalidConfig)
	case c.WeightsPath == "":
		return fmt.Errorf("%w: empty weights path", ErrInvalidConfig)
	case c.OutputRoot == "":
		return fmt.Errorf("%w: empty output root", ErrInvalidConfig)
	case len(c.Labels) == 0:
		return fmt.Errorf("%w: at least one label is required", ErrInvalidConfig)
	case c.InputSize <= 0 || c.InputSize%32 != 0:
		return fmt.Errorf("%w: input size %d must be a positive multiple of 32", ErrInvalidConfig, c.InputSize)
	case c.ConfThreshold <= 0 || c.ConfThreshold > 1:
		return fmt.Errorf("%w: confidence threshold %v out of (0, 1]", ErrInvalidConfig, c.ConfThreshold)
	case c.IouThreshold <= 0 || c.IouThreshold > 1:
		return fmt.Errorf("%w: iou threshold %v out of (0, 1]", ErrInvalidConfig, c.IouThreshold)
	case c.PoolSize <= 0:
		return fmt.Errorf("%w: pool size must be positive", ErrInvalidConfig)
	case c.CleanupWorkers <= 0:
		return fmt.Errorf("%w: cleanup workers must be positive", ErrInvalidConfig)
	}

	switch c.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("%w: unknown device %q", ErrInvalidConfig, c.Device)
	}
	return nil
}
