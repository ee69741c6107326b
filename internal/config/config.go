package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Auth struct {
		JWTSecret     string        `mapstructure:"jwt_secret"`
		TokenTTL      time.Duration `mapstructure:"token_ttl"`
		AdminUsername string        `mapstructure:"admin_username"`
		AdminPassword string        `mapstructure:"admin_password"`
	} `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Delivery  struct {
		Email       EmailConfig `mapstructure:"email"`
		DownloadDir string      `mapstructure:"download_dir"`
	} `mapstructure:"delivery"`
	Alert struct {
		Slack struct {
			Token   string `mapstructure:"token"`
			Channel string `mapstructure:"channel"`
			APIURL  string `mapstructure:"api_url"`
		} `mapstructure:"slack"`
		Email struct {
			ToReceivers []string `mapstructure:"to_receivers"`
		} `mapstructure:"email"`
	} `mapstructure:"alert"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// SchedulerConfig controls the due-schedule poll loop.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxConcurrent   int64         `mapstructure:"max_concurrent"`
	ClaimsPerSecond float64       `mapstructure:"claims_per_second"`
	WorkerID        string        `mapstructure:"worker_id"`
}

// EmailConfig is the SMTP account used for report delivery and operator
// alerts.
type EmailConfig struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func (e EmailConfig) Configured() bool {
	return e.SMTPHost != "" && e.From != ""
}

// SetDefaults registers the default value of every key. Registering a key
// also makes it overridable from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "data/reportsched.db")
	v.SetDefault("server.port", 8080)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.admin_password", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", "60s")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.claims_per_second", 10.0)
	v.SetDefault("scheduler.worker_id", "")

	v.SetDefault("delivery.email.smtp_host", "")
	v.SetDefault("delivery.email.smtp_port", 587)
	v.SetDefault("delivery.email.from", "")
	v.SetDefault("delivery.email.username", "")
	v.SetDefault("delivery.email.password", "")
	v.SetDefault("delivery.download_dir", "data/reports")

	v.SetDefault("alert.slack.token", "")
	v.SetDefault("alert.slack.channel", "")
	v.SetDefault("alert.slack.api_url", "")
	v.SetDefault("alert.email.to_receivers", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig reads config.yaml from path, or from . and /etc/reportsched when
// path is empty. A missing file is not an error; defaults and REPORTSCHED_*
// environment variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REPORTSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/reportsched")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Auth.TokenTTL <= 0 {
		problems = append(problems, "auth.token_ttl must be positive")
	}
	if c.Scheduler.PollInterval <= 0 {
		problems = append(problems, "scheduler.poll_interval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		problems = append(problems, "scheduler.batch_size must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		problems = append(problems, "scheduler.max_concurrent must be positive")
	}
	if c.Scheduler.ClaimsPerSecond <= 0 {
		problems = append(problems, "scheduler.claims_per_second must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
