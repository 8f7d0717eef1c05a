package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path     string `yaml:"path"`
	LockFile string `yaml:"lock_file"`
}

type SchedulerConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	PowerOnSettle       time.Duration `yaml:"power_on_settle"`
	PowerOnTimeout      time.Duration `yaml:"power_on_timeout"`
	ConnectPollInterval time.Duration `yaml:"connect_poll_interval"`
	CooldownTargetTemp  float64       `yaml:"cooldown_target_temp"`
	CooldownTimeout     time.Duration `yaml:"cooldown_timeout"`
	UploadAttempts      int           `yaml:"upload_attempts"`
	UploadRetryDelay    time.Duration `yaml:"upload_retry_delay"`
}

type TransportConfig struct {
	Port                   int           `yaml:"port"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	IOTimeout              time.Duration `yaml:"io_timeout"`
	TransferTimeout        time.Duration `yaml:"transfer_timeout"`
	ClearDataChannelModels []string      `yaml:"clear_data_channel_models"`
	SkipFinalAckModels     []string      `yaml:"skip_final_ack_models"`
}

type DispatchConfig struct {
	UploadAttempts   int           `yaml:"upload_attempts"`
	UploadRetryDelay time.Duration `yaml:"upload_retry_delay"`
}

type WebhooksConfig struct {
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	WorkerCount int           `yaml:"worker_count"`
	QueueSize   int           `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:     "./data/bambuddy.db",
			LockFile: "./data/bambuddy.lock",
		},
		Scheduler: SchedulerConfig{
			PollInterval:        30 * time.Second,
			PowerOnSettle:       10 * time.Second,
			PowerOnTimeout:      180 * time.Second,
			ConnectPollInterval: 5 * time.Second,
			CooldownTargetTemp:  50,
			CooldownTimeout:     20 * time.Minute,
			UploadAttempts:      3,
			UploadRetryDelay:    10 * time.Second,
		},
		Transport: TransportConfig{
			Port:            990,
			ConnectTimeout:  10 * time.Second,
			IOTimeout:       30 * time.Second,
			TransferTimeout: 30 * time.Minute,
			// Model families with a data-channel TLS bug in firmware; the
			// data connection for these must run unencrypted.
			ClearDataChannelModels: []string{"A1", "A1 mini"},
			// Model families whose firmware never sends the final transfer
			// acknowledgment after an upload.
			SkipFinalAckModels: []string{"P1P", "P1S"},
		},
		Dispatch: DispatchConfig{
			UploadAttempts:   3,
			UploadRetryDelay: 5 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BAMBUDDY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("BAMBUDDY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("BAMBUDDY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll interval must be positive")
	}

	if c.Scheduler.PowerOnSettle < 0 {
		return fmt.Errorf("power on settle must be non-negative")
	}

	if c.Scheduler.PowerOnTimeout <= 0 {
		return fmt.Errorf("power on timeout must be positive")
	}

	if c.Scheduler.ConnectPollInterval <= 0 {
		return fmt.Errorf("connect poll interval must be positive")
	}

	if c.Scheduler.UploadAttempts < 1 {
		return fmt.Errorf("scheduler upload attempts must be at least 1")
	}

	if c.Transport.Port < 1 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport port must be between 1 and 65535, got %d", c.Transport.Port)
	}

	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("transport connect timeout must be positive")
	}

	if c.Transport.IOTimeout <= 0 {
		return fmt.Errorf("transport io timeout must be positive")
	}

	if c.Transport.TransferTimeout <= 0 {
		return fmt.Errorf("transport transfer timeout must be positive")
	}

	if c.Dispatch.UploadAttempts < 1 {
		return fmt.Errorf("dispatch upload attempts must be at least 1")
	}

	if c.Webhooks.WorkerCount < 1 {
		return fmt.Errorf("webhook worker count must be at least 1")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
