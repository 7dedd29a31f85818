package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Broker     BrokerConfig     `mapstructure:"broker" validate:"required"`
	Worker     WorkerConfig     `mapstructure:"worker" validate:"required"`
	Scaling    ScalingConfig    `mapstructure:"scaling" validate:"required"`
	Generation GenerationConfig `mapstructure:"generation" validate:"required"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig contains process-wide settings shared by both binaries.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// BrokerConfig contains the Redis broker connection settings and the
// queue naming used by the workers, the monitor and queue surgery.
type BrokerConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Password string `mapstructure:"password"`

	// KeyPrefix is the broker's key namespace. Queue keys are
	// "<prefix>:queue:<name>" with a ".DQ" suffix for the delayed list.
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`

	// SubtaskQueue is the queue consumed by the standard pipeline.
	SubtaskQueue string `mapstructure:"subtask_queue" validate:"required"`

	// FidelityQueue is the queue consumed by the higher-fidelity pipeline.
	FidelityQueue string `mapstructure:"fidelity_queue" validate:"required"`
}

// WorkerConfig contains settings for the in-process consumer pool.
type WorkerConfig struct {
	// Concurrency is the number of concurrent consumer goroutines per
	// worker process.
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0"`

	// MaxRedeliveries bounds automatic redelivery for the standard
	// pipeline. The fidelity pipeline never redelivers.
	MaxRedeliveries int `mapstructure:"max_redeliveries" validate:"gte=0"`

	// RedeliveryDelay is how long a retried message stays on the
	// delayed list before becoming visible again.
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
}

// ScalingConfig contains the process-manager and autoscaler settings.
type ScalingConfig struct {
	// WorkerCommand is the exact command used to launch a worker process.
	WorkerCommand string `mapstructure:"worker_command" validate:"required"`

	MinProcesses int `mapstructure:"min_processes" validate:"gte=0"`
	MaxProcesses int `mapstructure:"max_processes" validate:"required,gt=0,gtefield=MinProcesses"`

	// CheckInterval is the autoscaler tick period.
	CheckInterval time.Duration `mapstructure:"check_interval" validate:"required"`

	// ScaleUpMultiplier and ScaleDownMultiplier derive the thresholds
	// from the current process count each tick.
	ScaleUpMultiplier   float64 `mapstructure:"scale_up_multiplier" validate:"required,gt=0"`
	ScaleDownMultiplier float64 `mapstructure:"scale_down_multiplier" validate:"required,gt=0"`

	// GracefulShutdownTimeout bounds how long a SIGTERM'd process may
	// take before it is killed.
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`

	// StartupDelay is the pause between sequential spawns and the wait
	// before a new process's liveness is confirmed.
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// GenerationConfig contains the remote image-generation API settings.
type GenerationConfig struct {
	BaseURL  string `mapstructure:"base_url" validate:"required,url"`
	OpsURL   string `mapstructure:"ops_url" validate:"required,url"`
	APIToken string `mapstructure:"api_token"`

	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"required"`
	MaxPollAttempts  int           `mapstructure:"max_poll_attempts" validate:"required,gt=0"`
	FidelityInterval time.Duration `mapstructure:"fidelity_poll_interval" validate:"required"`
	FidelityAttempts int           `mapstructure:"fidelity_poll_attempts" validate:"required,gt=0"`
}

// NotifyConfig contains the outbound notification settings. An empty
// webhook URL disables notifications.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`

	// FrontendBaseURL is used to build the task-detail link included
	// in outcome notifications.
	FrontendBaseURL string `mapstructure:"frontend_base_url"`
}
