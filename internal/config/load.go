package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for all environment variables, so e.g. the
// broker host is read from RENDERQ_BROKER_HOST.
const envPrefix = "RENDERQ"

// Load configuration from environment variables.
// Environment variables take precedence over defaults.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate once at the boundary; downstream code trusts the config.
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers a default for every configuration key so viper
// knows about the key even when no environment variable is set.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "postgres://localhost:5432/renderq?sslmode=disable")

	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 6379)
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.key_prefix", "dramatiq")
	v.SetDefault("broker.subtask_queue", "render_subtask")
	v.SetDefault("broker.fidelity_queue", "render_subtask_ops")

	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.max_redeliveries", 3)
	v.SetDefault("worker.redelivery_delay", 15*time.Second)

	v.SetDefault("scaling.worker_command", "renderq-worker")
	v.SetDefault("scaling.min_processes", 1)
	v.SetDefault("scaling.max_processes", 10)
	v.SetDefault("scaling.check_interval", 180*time.Second)
	v.SetDefault("scaling.scale_up_multiplier", 5.0)
	v.SetDefault("scaling.scale_down_multiplier", 2.5)
	v.SetDefault("scaling.graceful_shutdown_timeout", 30*time.Second)
	v.SetDefault("scaling.startup_delay", 5*time.Second)

	v.SetDefault("generation.base_url", "https://api.example.com")
	v.SetDefault("generation.ops_url", "https://ops.api.example.com")
	v.SetDefault("generation.api_token", "")
	v.SetDefault("generation.poll_interval", 2*time.Second)
	v.SetDefault("generation.max_poll_attempts", 30)
	v.SetDefault("generation.fidelity_poll_interval", 3*time.Second)
	v.SetDefault("generation.fidelity_poll_attempts", 50)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.frontend_base_url", "")
}
