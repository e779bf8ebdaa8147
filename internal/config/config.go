package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Models   ModelsConfig   `yaml:"models"`
	Camera   CameraConfig   `yaml:"camera"`
	Match    MatchConfig    `yaml:"match"`
	Flow     FlowConfig     `yaml:"flow"`
	Session  SessionConfig  `yaml:"session"`
	Lockout  LockoutConfig  `yaml:"lockout"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	// SealKey is the hex-encoded 32-byte master key used to seal stored
	// face references at rest.
	SealKey string `yaml:"seal_key"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig describes where ONNX models live locally and, optionally,
// the object store they are fetched from when missing.
type ModelsConfig struct {
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type CameraConfig struct {
	Device  string        `yaml:"device"`
	Width   int           `yaml:"width"`
	Height  int           `yaml:"height"`
	Timeout time.Duration `yaml:"timeout"`
}

type MatchConfig struct {
	// Backend selects the matcher implementation: "local" or "managed".
	Backend            string  `yaml:"backend"`
	LocalThreshold     float64 `yaml:"local_threshold"`
	ManagedThreshold   float64 `yaml:"managed_threshold"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	CollectionID       string  `yaml:"collection_id"`
	Region             string  `yaml:"region"`
}

type FlowConfig struct {
	RetryDelay     time.Duration `yaml:"retry_delay"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

type SessionConfig struct {
	ProviderURL string        `yaml:"provider_url"`
	Secret      string        `yaml:"secret"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LockoutConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Window      time.Duration `yaml:"window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Camera.Device == "" {
		cfg.Camera.Device = "/dev/video0"
	}
	if cfg.Camera.Width == 0 {
		cfg.Camera.Width = 1280
	}
	if cfg.Camera.Height == 0 {
		cfg.Camera.Height = 720
	}
	if cfg.Camera.Timeout == 0 {
		cfg.Camera.Timeout = 5 * time.Second
	}
	if cfg.Match.Backend == "" {
		cfg.Match.Backend = "local"
	}
	if cfg.Match.LocalThreshold == 0 {
		cfg.Match.LocalThreshold = 0.6
	}
	if cfg.Match.ManagedThreshold == 0 {
		cfg.Match.ManagedThreshold = 90
	}
	if cfg.Match.DetectionThreshold == 0 {
		cfg.Match.DetectionThreshold = 0.5
	}
	if cfg.Match.CollectionID == "" {
		cfg.Match.CollectionID = "faceid-enrollments"
	}
	if cfg.Flow.RetryDelay == 0 {
		cfg.Flow.RetryDelay = 2500 * time.Millisecond
	}
	if cfg.Flow.NetworkTimeout == 0 {
		cfg.Flow.NetworkTimeout = 10 * time.Second
	}
	if cfg.Flow.MaxAttempts == 0 {
		cfg.Flow.MaxAttempts = 10
	}
	if cfg.Session.Timeout == 0 {
		cfg.Session.Timeout = 10 * time.Second
	}
	if cfg.Lockout.MaxFailures == 0 {
		cfg.Lockout.MaxFailures = 5
	}
	if cfg.Lockout.Window == 0 {
		cfg.Lockout.Window = 15 * time.Minute
	}
	if cfg.Models.Dir == "" {
		cfg.Models.Dir = "models"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FACEID_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FACEID_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("FACEID_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FACEID_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("FACEID_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FACEID_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FACEID_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FACEID_SEAL_KEY"); v != "" {
		cfg.Database.SealKey = v
	}
	if v := os.Getenv("FACEID_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FACEID_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FACEID_MODELS_DIR"); v != "" {
		cfg.Models.Dir = v
	}
	if v := os.Getenv("FACEID_CAMERA_DEVICE"); v != "" {
		cfg.Camera.Device = v
	}
	if v := os.Getenv("FACEID_MATCH_BACKEND"); v != "" {
		cfg.Match.Backend = v
	}
	if v := os.Getenv("FACEID_COLLECTION_ID"); v != "" {
		cfg.Match.CollectionID = v
	}
	if v := os.Getenv("FACEID_AWS_REGION"); v != "" {
		cfg.Match.Region = v
	}
	if v := os.Getenv("FACEID_PROVIDER_URL"); v != "" {
		cfg.Session.ProviderURL = v
	}
	if v := os.Getenv("FACEID_SESSION_SECRET"); v != "" {
		cfg.Session.Secret = v
	}
}
