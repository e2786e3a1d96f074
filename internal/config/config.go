package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ProviderConfig holds the settings for a single upstream AI provider
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// PWConfig holds the application configuration
type PWConfig struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host          string `mapstructure:"host"`
		Port          int    `mapstructure:"port"`
		TriggerSecret string `mapstructure:"trigger_secret"`
	} `mapstructure:"server"`

	Queue struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Scheduler struct {
		Cron string `mapstructure:"cron"`
	} `mapstructure:"scheduler"`

	Driver struct {
		BatchSize       int `mapstructure:"batch_size"`
		PauseSec        int `mapstructure:"pause_sec"`
		TaskTimeoutSec  int `mapstructure:"task_timeout_sec"`
		MaxTaskAttempts int `mapstructure:"max_task_attempts"`
		LeaseFreshSec   int `mapstructure:"lease_fresh_sec"`
		MaxRuntimeMin   int `mapstructure:"max_runtime_min"`
		HeartbeatSec    int `mapstructure:"heartbeat_sec"`
	} `mapstructure:"driver"`

	Reconciler struct {
		IntervalSec   int `mapstructure:"interval_sec"`
		StaleAfterMin int `mapstructure:"stale_after_min"`
		MinAgeMin     int `mapstructure:"min_age_min"`
	} `mapstructure:"reconciler"`

	Monitor struct {
		PollSec    int `mapstructure:"poll_sec"`
		TimeoutMin int `mapstructure:"timeout_min"`
	} `mapstructure:"monitor"`

	Providers struct {
		Order      []string       `mapstructure:"order"`
		OpenAI     ProviderConfig `mapstructure:"openai"`
		Anthropic  ProviderConfig `mapstructure:"anthropic"`
		Perplexity ProviderConfig `mapstructure:"perplexity"`
		Gemini     ProviderConfig `mapstructure:"gemini"`
	} `mapstructure:"providers"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*PWConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("PW_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// newViper creates a viper instance with all defaults set
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "promptwatch")
	v.SetDefault("database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trigger_secret", "")

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	// Fire once a day at 06:00 UTC
	v.SetDefault("scheduler.cron", "0 6 * * *")

	// Driver defaults. The batch size is deliberately small so provider rate
	// limits are respected
	v.SetDefault("driver.batch_size", 20)
	v.SetDefault("driver.pause_sec", 2)
	v.SetDefault("driver.task_timeout_sec", 60)
	v.SetDefault("driver.max_task_attempts", 3)
	v.SetDefault("driver.lease_fresh_sec", 45)
	v.SetDefault("driver.max_runtime_min", 120)
	v.SetDefault("driver.heartbeat_sec", 15)

	// Reconciler defaults
	v.SetDefault("reconciler.interval_sec", 180)
	v.SetDefault("reconciler.stale_after_min", 5)
	v.SetDefault("reconciler.min_age_min", 10)

	// Monitor defaults
	v.SetDefault("monitor.poll_sec", 10)
	v.SetDefault("monitor.timeout_min", 30)

	v.SetDefault("providers.order", []string{"openai", "anthropic", "perplexity", "gemini"})
	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.openai.base_url", "https://api.openai.com")
	v.SetDefault("providers.anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("providers.anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("providers.perplexity.model", "sonar")
	v.SetDefault("providers.perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("providers.gemini.model", "gemini-2.0-flash")
	v.SetDefault("providers.gemini.base_url", "https://generativelanguage.googleapis.com")

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("PW")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*PWConfig, error) {
	var config PWConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *PWConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// ZerologLevel parses the configured log level, defaulting to info
func (c *PWConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// TaskTimeout returns the bounded per-task provider call timeout
func (c *PWConfig) TaskTimeout() time.Duration {
	return time.Duration(c.Driver.TaskTimeoutSec) * time.Second
}
