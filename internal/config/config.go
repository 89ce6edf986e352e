package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Platform PlatformConfig `yaml:"platform"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SecureCookies marks the OAuth state cookie Secure.
	SecureCookies bool `yaml:"secure_cookies"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// The exchange carries lifecycle events; the queue is the worker's wake-up
// queue and is only declared by the worker service.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata and scheduling rules
type AppConfig struct {
	Name             string `yaml:"name"`
	Version          string `yaml:"version"`
	Environment      string `yaml:"environment"`
	Timezone         string `yaml:"timezone"`
	MaxAttempts      int    `yaml:"max_attempts"`
	MaxBatchSize     int    `yaml:"max_batch_size"`
	MaxContentLength int    `yaml:"max_content_length"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Interval          time.Duration `yaml:"interval"`
	BatchLimit        int           `yaml:"batch_limit"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StuckAfter        time.Duration `yaml:"stuck_after"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RetentionDays     int           `yaml:"retention_days"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// PlatformConfig holds the publishing platform endpoints and credentials
type PlatformConfig struct {
	Mode              string        `yaml:"mode"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	RedirectURL       string        `yaml:"redirect_url"`
	Scopes            []string      `yaml:"scopes"`
	AuthURL           string        `yaml:"auth_url"`
	TokenURL          string        `yaml:"token_url"`
	UserInfoURL       string        `yaml:"userinfo_url"`
	PublishURL        string        `yaml:"publish_url"`
	PostURLTemplate   string        `yaml:"post_url_template"`
	AuthorPrefix      string        `yaml:"author_prefix"`
	Visibility        string        `yaml:"visibility"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
	RefreshSkew       time.Duration `yaml:"refresh_skew"`
	DefaultTokenTTL   time.Duration `yaml:"default_token_ttl"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset values with the service defaults.
func (c *Config) ApplyDefaults() {
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 10)
	setInt(&c.Database.MaxIdleConns, 5)
	setDuration(&c.Database.ConnMaxLifetime, 30*time.Minute)

	setString(&c.RabbitMQ.Exchange.Type, "topic")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setInt(&c.RabbitMQ.Consumer.PrefetchCount, 10)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setString(&c.App.Timezone, "UTC")
	setInt(&c.App.MaxAttempts, 3)
	setInt(&c.App.MaxBatchSize, 30)
	setInt(&c.App.MaxContentLength, 3000)

	setDuration(&c.Worker.Interval, 30*time.Second)
	setInt(&c.Worker.BatchLimit, 10)
	setInt(&c.Worker.Concurrency, 4)
	setDuration(&c.Worker.JobTimeout, 60*time.Second)
	setDuration(&c.Worker.HeartbeatInterval, 15*time.Second)
	setDuration(&c.Worker.BackoffBase, 30*time.Second)
	setDuration(&c.Worker.BackoffMax, 30*time.Minute)
	setDuration(&c.Worker.RetentionInterval, time.Hour)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
	if c.Worker.StuckAfter <= 0 {
		c.Worker.StuckAfter = max(3*c.Worker.HeartbeatInterval, c.Worker.Interval)
	}

	setString(&c.Platform.Mode, "mock")
	setString(&c.Platform.Visibility, "PUBLIC")
	setInt(&c.Platform.Burst, 1)
	setDuration(&c.Platform.Timeout, 30*time.Second)
	setDuration(&c.Platform.RefreshSkew, time.Minute)
	setDuration(&c.Platform.DefaultTokenTTL, time.Hour)
}

// Location resolves the configured scheduling timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateCommon(); err != nil {
		return err
	}

	if c.App.MaxAttempts <= 0 {
		return fmt.Errorf("app max_attempts must be greater than 0")
	}

	if c.Platform.Mode == "real" {
		if c.Platform.ClientID == "" || c.Platform.ClientSecret == "" {
			return fmt.Errorf("platform client_id and client_secret are required in real mode")
		}
		if c.Platform.AuthURL == "" || c.Platform.TokenURL == "" || c.Platform.RedirectURL == "" {
			return fmt.Errorf("platform auth_url, token_url and redirect_url are required in real mode")
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	if c.RabbitMQ.Enabled && c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required for the worker")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.BatchLimit <= 0 {
		return fmt.Errorf("worker batch_limit must be greater than 0")
	}

	if c.Worker.Interval <= 0 {
		return fmt.Errorf("worker interval must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StuckAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stuck_after (%s) must exceed heartbeat_interval (%s)", c.Worker.StuckAfter, c.Worker.HeartbeatInterval)
	}
	if c.Worker.StuckAfter < c.Worker.Interval {
		return fmt.Errorf("worker stuck_after (%s) must be at least interval (%s)", c.Worker.StuckAfter, c.Worker.Interval)
	}

	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffMax < c.Worker.BackoffBase {
		return fmt.Errorf("worker backoff_max must be at least backoff_base")
	}

	if c.Worker.RetentionDays < 0 {
		return fmt.Errorf("worker retention_days must not be negative")
	}

	if c.Platform.Mode == "real" && c.Platform.PublishURL == "" {
		return fmt.Errorf("platform publish_url is required in real mode")
	}

	return nil
}

func (c *Config) validateCommon() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Platform.Mode {
	case "mock", "real":
	default:
		return fmt.Errorf("invalid platform mode %q (must be mock or real)", c.Platform.Mode)
	}

	return nil
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
