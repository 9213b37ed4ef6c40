package db

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/pgcoord/internal/platform/logger"
	"github.com/yungbote/pgcoord/internal/utils"
)

// Config holds Postgres connection settings. DSN wins over the discrete fields.
type Config struct {
	DSN          string `yaml:"dsn"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// ConfigFromEnv reads POSTGRES_* variables, falling back to base for unset ones.
func ConfigFromEnv(base Config, logg *logger.Logger) Config {
	base.DSN = utils.GetEnv("POSTGRES_DSN", base.DSN, logg)
	base.Host = utils.GetEnv("POSTGRES_HOST", orDefault(base.Host, "localhost"), logg)
	base.Port = utils.GetEnv("POSTGRES_PORT", orDefault(base.Port, "5432"), logg)
	base.User = utils.GetEnv("POSTGRES_USER", orDefault(base.User, "postgres"), logg)
	base.Password = utils.GetEnv("POSTGRES_PASSWORD", base.Password, logg)
	base.Name = utils.GetEnv("POSTGRES_NAME", orDefault(base.Name, "pgcoord"), logg)
	base.SSLMode = utils.GetEnv("POSTGRES_SSLMODE", orDefault(base.SSLMode, "disable"), logg)
	base.MaxOpenConns = utils.GetEnvAsInt("POSTGRES_MAX_OPEN_CONNS", orDefaultInt(base.MaxOpenConns, 20), logg)
	base.MaxIdleConns = utils.GetEnvAsInt("POSTGRES_MAX_IDLE_CONNS", orDefaultInt(base.MaxIdleConns, 5), logg)
	return base
}

// ConnString renders the DSN used for both gorm and the LISTEN connection.
func (c Config) ConnString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return strings.TrimSpace(c.DSN)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + orDefault(c.SSLMode, "disable"),
	}
	return u.String()
}

type PostgresService struct {
	db  *gorm.DB
	cfg Config
	log *logger.Logger
}

func NewPostgresService(logg *logger.Logger, cfg Config) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")
	dsn := cfg.ConnString()

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	serviceLog.Info("connected", "postgres_dsn", dsn, "max_open_conns", cfg.MaxOpenConns)
	return &PostgresService{db: db, cfg: cfg, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) Config() Config { return s.cfg }

// Close drains the connection pool.
func (s *PostgresService) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
