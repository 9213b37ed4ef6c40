package app

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/pgcoord/internal/data/db"
	"github.com/yungbote/pgcoord/internal/jobs/worker"
	"github.com/yungbote/pgcoord/internal/observability"
	"github.com/yungbote/pgcoord/internal/platform/logger"
	"github.com/yungbote/pgcoord/internal/utils"
)

type WorkerConfig struct {
	ID           string        `yaml:"id"`
	Concurrency  int           `yaml:"concurrency"`
	PollMin      time.Duration `yaml:"poll_min"`
	PollMax      time.Duration `yaml:"poll_max"`
	ProgressRate float64       `yaml:"progress_rate"`
}

type JobsConfig struct {
	// NotifyChannel names the LISTEN/NOTIFY channel; empty disables wake-ups.
	NotifyChannel string `yaml:"notify_channel"`
	// StaleLockTimeout > 0 turns on periodic stale_lock_sweep jobs.
	StaleLockTimeout time.Duration `yaml:"stale_lock_timeout"`
	// CleanupRetention > 0 turns on queue_cleanup jobs every CleanupInterval,
	// deleting terminal jobs older than the retention.
	CleanupRetention time.Duration `yaml:"cleanup_retention"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

type TeamsConfig struct {
	MaxMembers        int `yaml:"max_members"`
	MaxTeamsPerMember int `yaml:"max_teams_per_member"`
}

type Config struct {
	LogMode  string                   `yaml:"log_mode"`
	Postgres db.Config                `yaml:"postgres"`
	Worker   WorkerConfig             `yaml:"worker"`
	Jobs     JobsConfig               `yaml:"jobs"`
	Teams    TeamsConfig              `yaml:"teams"`
	OpsAddr  string                   `yaml:"ops_addr"`
	Otel     observability.OtelConfig `yaml:"otel"`
}

func DefaultConfig() Config {
	return Config{
		LogMode: "development",
		Worker: WorkerConfig{
			ID:           worker.DefaultID(),
			Concurrency:  4,
			PollMin:      250 * time.Millisecond,
			PollMax:      5 * time.Second,
			ProgressRate: 2,
		},
		Jobs: JobsConfig{
			NotifyChannel:    "job_enqueued",
			CleanupRetention: 168 * time.Hour,
			CleanupInterval:  time.Hour,
		},
		Teams:   TeamsConfig{MaxMembers: 50, MaxTeamsPerMember: 10},
		OpsAddr: ":9090",
		Otel:    observability.OtelConfig{ServiceName: "pgcoord", SampleRatio: 0.1},
	}
}

// LoadConfig layers defaults, the YAML file named by PGCOORD_CONFIG, then the
// environment. Env wins over the file.
func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("PGCOORD_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
		if log != nil {
			log.Info("config file loaded", "path", path)
		}
	}
	applyEnv(&cfg, log)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, log *logger.Logger) {
	cfg.LogMode = utils.GetEnv("LOG_MODE", cfg.LogMode, log)
	cfg.Postgres = db.ConfigFromEnv(cfg.Postgres, log)

	cfg.Worker.ID = utils.GetEnv("WORKER_ID", cfg.Worker.ID, log)
	cfg.Worker.Concurrency = utils.GetEnvAsInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency, log)
	cfg.Worker.PollMin = utils.GetEnvAsDuration("WORKER_POLL_MIN", cfg.Worker.PollMin, log)
	cfg.Worker.PollMax = utils.GetEnvAsDuration("WORKER_POLL_MAX", cfg.Worker.PollMax, log)
	cfg.Worker.ProgressRate = utils.GetEnvAsFloat("JOB_PROGRESS_RATE", cfg.Worker.ProgressRate, log)

	cfg.Jobs.NotifyChannel = utils.GetEnv("JOB_NOTIFY_CHANNEL", cfg.Jobs.NotifyChannel, log)
	cfg.Jobs.StaleLockTimeout = utils.GetEnvAsDuration("STALE_LOCK_TIMEOUT", cfg.Jobs.StaleLockTimeout, log)
	cfg.Jobs.CleanupRetention = utils.GetEnvAsDuration("JOB_CLEANUP_RETENTION", cfg.Jobs.CleanupRetention, log)
	cfg.Jobs.CleanupInterval = utils.GetEnvAsDuration("JOB_CLEANUP_INTERVAL", cfg.Jobs.CleanupInterval, log)

	cfg.Teams.MaxMembers = utils.GetEnvAsInt("TEAM_MAX_MEMBERS", cfg.Teams.MaxMembers, log)
	cfg.Teams.MaxTeamsPerMember = utils.GetEnvAsInt("TEAM_MAX_TEAMS_PER_MEMBER", cfg.Teams.MaxTeamsPerMember, log)

	cfg.OpsAddr = utils.GetEnv("OPS_ADDR", cfg.OpsAddr, log)

	cfg.Otel.Enabled = utils.GetEnvAsBool("OTEL_ENABLED", cfg.Otel.Enabled, log)
	cfg.Otel.Environment = utils.GetEnv("OTEL_ENVIRONMENT", cfg.Otel.Environment, log)
	cfg.Otel.Version = utils.GetEnv("OTEL_SERVICE_VERSION", cfg.Otel.Version, log)
	cfg.Otel.Endpoint = utils.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Otel.Endpoint, log)
	// Headers usually carry credentials.
	cfg.Otel.Headers = utils.GetEnv("OTEL_EXPORTER_OTLP_HEADERS", cfg.Otel.Headers, nil)
	cfg.Otel.Insecure = utils.GetEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Otel.Insecure, log)
	if raw, ok := os.LookupEnv("OTEL_SAMPLER_RATIO"); ok {
		cfg.Otel.SampleRatio = observability.ParseSampleRatio(raw)
	}
}

func (c Config) Validate() error {
	switch {
	case c.Worker.Concurrency < 0:
		return fmt.Errorf("worker concurrency must be >= 0")
	case c.Worker.PollMin <= 0 || c.Worker.PollMax < c.Worker.PollMin:
		return fmt.Errorf("worker poll interval must satisfy 0 < min <= max")
	case c.Teams.MaxMembers < 0 || c.Teams.MaxTeamsPerMember < 0:
		return fmt.Errorf("team limits must be >= 0")
	case c.Jobs.StaleLockTimeout < 0:
		return fmt.Errorf("stale lock timeout must be >= 0")
	case c.Jobs.CleanupRetention < 0 || c.Jobs.CleanupInterval < 0:
		return fmt.Errorf("job cleanup retention and interval must be >= 0")
	}
	return nil
}

func (c Config) workerConfig() worker.Config {
	return worker.Config{
		ID:           c.Worker.ID,
		Concurrency:  c.Worker.Concurrency,
		PollMin:      c.Worker.PollMin,
		PollMax:      c.Worker.PollMax,
		ProgressRate: c.Worker.ProgressRate,
	}
}
