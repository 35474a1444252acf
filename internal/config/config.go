package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes environment overrides, e.g. CHATD_SERVER_LISTEN_ADDR.
const EnvPrefix = "CHATD"

// Config represents ~/.chatd/config.toml.
type Config struct {
	DefaultInstance string   `toml:"default_instance" envconfig:"DEFAULT_INSTANCE" validate:"omitempty,max=64"`
	Server          Server   `toml:"server"`
	Auth            Auth     `toml:"auth"`
	Gateway         Gateway  `toml:"gateway"`
	Presence        Presence `toml:"presence"`
	Store           Store    `toml:"store"`
	Log             Log      `toml:"log"`
}

type Server struct {
	ListenAddr     string   `toml:"listen_addr" envconfig:"LISTEN_ADDR" validate:"required,hostname_port"`
	AllowedOrigins []string `toml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

type Auth struct {
	JWTSecret string        `toml:"jwt_secret" envconfig:"JWT_SECRET" validate:"required,min=16"`
	TokenTTL  time.Duration `toml:"token_ttl" envconfig:"TOKEN_TTL" validate:"gt=0"`
}

type Gateway struct {
	AuthTimeout    time.Duration `toml:"auth_timeout" envconfig:"AUTH_TIMEOUT" validate:"gt=0"`
	AbuseThreshold int           `toml:"abuse_threshold" envconfig:"ABUSE_THRESHOLD" validate:"gte=1"`
	QueueSize      int           `toml:"queue_size" envconfig:"QUEUE_SIZE" validate:"gte=1,lte=65536"`
	OverflowPolicy string        `toml:"overflow_policy" envconfig:"OVERFLOW_POLICY" validate:"oneof=drop_oldest disconnect"`
	RatePerSecond  float64       `toml:"rate_per_second" envconfig:"RATE_PER_SECOND" validate:"gte=0"`
	RateBurst      int           `toml:"rate_burst" envconfig:"RATE_BURST" validate:"gte=0"`
}

type Presence struct {
	GracePeriod time.Duration `toml:"grace_period" envconfig:"GRACE_PERIOD" validate:"gt=0"`
}

type Store struct {
	Driver             string        `toml:"driver" envconfig:"DRIVER" validate:"oneof=sqlite badger"`
	CheckpointInterval time.Duration `toml:"checkpoint_interval" envconfig:"CHECKPOINT_INTERVAL" validate:"gt=0"`
}

type Log struct {
	Level string `toml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
}

// Default returns the built-in configuration. JWTSecret is empty and must
// be set in the file or the environment.
func Default() *Config {
	return &Config{
		Server: Server{ListenAddr: "127.0.0.1:8080"},
		Auth:   Auth{TokenTTL: 24 * time.Hour},
		Gateway: Gateway{
			AuthTimeout:    10 * time.Second,
			AbuseThreshold: 5,
			QueueSize:      256,
			OverflowPolicy: "drop_oldest",
			RatePerSecond:  20,
			RateBurst:      40,
		},
		Presence: Presence{GracePeriod: 30 * time.Second},
		Store:    Store{Driver: "sqlite", CheckpointInterval: time.Minute},
		Log:      Log{Level: "info"},
	}
}

// Load reads config from the given path. Returns error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the file at
// path if it exists, then CHATD_* environment overrides. The result is
// validated.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
