// Package config loads process configuration from a YAML file and
// REELFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/reelflow/pkg/videoproc"
	"github.com/petrijr/reelflow/pkg/worker"
)

// EnvPrefix prefixes environment overrides: storage.dsn is read from
// REELFLOW_STORAGE_DSN.
const EnvPrefix = "REELFLOW"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

type Config struct {
	Storage   StorageConfig    `mapstructure:"storage"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Video     VideoConfig      `mapstructure:"video"`
	SMTP      SMTPConfig       `mapstructure:"smtp"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
	Log       LogConfig        `mapstructure:"log"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is a file path or URI for sqlite, a connection string for
	// postgres, a redis:// URL or a mongodb:// URI.
	DSN string `mapstructure:"dsn"`
	// Prefix namespaces keys (redis) or names the database (mongo).
	Prefix string `mapstructure:"prefix"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type WorkerConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
	ActivitiesPerSecond float64       `mapstructure:"activities_per_second"`
	ActivityTimeout     time.Duration `mapstructure:"activity_timeout"`
	// Activities overrides the retry policy per activity name.
	Activities map[string]ActivityRetryConfig `mapstructure:"activities"`
}

// ActivityRetryConfig retries an activity with a constant delay.
type ActivityRetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type VideoConfig struct {
	Bitrates         []int         `mapstructure:"bitrates"`
	IntroLocation    string        `mapstructure:"intro_location"`
	ApproverEmail    string        `mapstructure:"approver_email"`
	SenderEmail      string        `mapstructure:"sender_email"`
	Host             string        `mapstructure:"host"`
	ApprovalTimeout  time.Duration `mapstructure:"approval_timeout"`
	PeriodicInterval time.Duration `mapstructure:"periodic_interval"`
}

// SMTPConfig configures the approval mailer. An empty Host logs mail
// instead of sending it.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ScheduleConfig starts Workflow with Input on every tick of Cron.
type ScheduleConfig struct {
	Name     string `mapstructure:"name"`
	Cron     string `mapstructure:"cron"`
	Workflow string `mapstructure:"workflow"`
	// Input is a JSON document.
	Input string `mapstructure:"input"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	video := videoproc.DefaultConfig()

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.dsn", "reelflow.db")
	v.SetDefault("storage.prefix", "reelflow")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.initial_backoff", time.Second)
	v.SetDefault("worker.max_backoff", time.Minute)
	v.SetDefault("worker.backoff_multiplier", 2.0)
	v.SetDefault("worker.activities_per_second", 0)
	v.SetDefault("worker.activity_timeout", 0)

	v.SetDefault("video.bitrates", video.Bitrates)
	v.SetDefault("video.intro_location", video.IntroLocation)
	v.SetDefault("video.approver_email", video.ApproverEmail)
	v.SetDefault("video.sender_email", video.SenderEmail)
	v.SetDefault("video.host", video.Host)
	v.SetDefault("video.approval_timeout", video.ApprovalTimeout)
	v.SetDefault("video.periodic_interval", video.PeriodicInterval)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the configuration. With an empty path, reelflow.yaml in the
// working directory is used when present; a missing default file is not an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("reelflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver != DriverMemory && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn: required"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency: must be at least 1"))
	}
	for name, a := range c.Worker.Activities {
		if a.MaxAttempts < 1 || a.Backoff < 0 {
			errs = append(errs, fmt.Errorf("worker.activities.%s: max_attempts must be at least 1 and backoff non-negative", name))
		}
	}
	if len(c.Video.Bitrates) == 0 {
		errs = append(errs, errors.New("video.bitrates: at least one bitrate required"))
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.Workflow == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: cron and workflow are required", i))
		}
	}
	return errors.Join(errs...)
}

// VideoProc returns the pipeline configuration.
func (c *Config) VideoProc() videoproc.Config {
	return videoproc.Config{
		Bitrates:         append([]int(nil), c.Video.Bitrates...),
		IntroLocation:    c.Video.IntroLocation,
		ApproverEmail:    c.Video.ApproverEmail,
		SenderEmail:      c.Video.SenderEmail,
		Host:             c.Video.Host,
		ApprovalTimeout:  c.Video.ApprovalTimeout,
		PeriodicInterval: c.Video.PeriodicInterval,
	}
}

// WorkerConfig returns the worker settings. Observer, Clock and Logger are
// left for the caller.
//
// Thumbnail extraction runs once unless worker.activities names it: the
// pipeline does not depend on its result.
func (c *Config) WorkerConfig() worker.Config {
	w := c.Worker
	overrides := map[string]worker.RetryPolicy{
		videoproc.ActivityExtractThumbnail: worker.Retry(1).NoDelay().Policy(),
	}
	for name, a := range w.Activities {
		overrides[name] = worker.Retry(a.MaxAttempts).Constant(a.Backoff).Policy()
	}
	return worker.Config{
		Concurrency:         w.Concurrency,
		Retry:               worker.Retry(w.MaxAttempts).Exponential(w.InitialBackoff, w.BackoffMultiplier, w.MaxBackoff).Policy(),
		ActivityRetry:       overrides,
		ActivityTimeout:     w.ActivityTimeout,
		ActivitiesPerSecond: w.ActivitiesPerSecond,
	}
}
