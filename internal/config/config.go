package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"prod"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`

	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	RegistryDriver string `env:"REGISTRY_DRIVER" envDefault:"postgres"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"lendersync.db"`
	LockBackend    string `env:"LOCK_BACKEND" envDefault:"redis"`
	BlobBackend    string `env:"BLOB_BACKEND" envDefault:"postgres"`
	BlobDir        string `env:"BLOB_DIR" envDefault:"data/raw"`

	QueueName              string        `env:"QUEUE_NAME" envDefault:"collect"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"10m"`

	LenderCodes     []string `env:"LENDER_CODES" envSeparator:","`
	TrackedProducts []string `env:"TRACKED_PRODUCTS" envSeparator:","`

	TargetTimezone      string        `env:"TARGET_TIMEZONE" envDefault:"Australia/Sydney"`
	TargetHour          int           `env:"TARGET_HOUR" envDefault:"6"`
	DailyLockTTL        time.Duration `env:"DAILY_LOCK_TTL" envDefault:"2h"`
	MaxAttempts         int           `env:"MAX_ATTEMPTS" envDefault:"6"`
	BackfillMaxPerMonth int           `env:"BACKFILL_MAX_PER_MONTH" envDefault:"4"`

	SourceBaseURL   string        `env:"SOURCE_BASE_URL" envDefault:"http://localhost:9090"`
	FetchRatePerSec float64       `env:"FETCH_RATE_PER_SEC" envDefault:"5"`
	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`

	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"8"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"500ms"`
	WorkerBatchSize    int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "config: parse env")
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.TargetHour < 0 || c.TargetHour > 23 {
		return errors.Errorf("config: TARGET_HOUR must be 0-23, got %d", c.TargetHour)
	}
	if c.MaxAttempts < 1 {
		return errors.Errorf("config: MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := oneOf("REGISTRY_DRIVER", c.RegistryDriver, "postgres", "sqlite", "memory"); err != nil {
		return err
	}
	if err := oneOf("LOCK_BACKEND", c.LockBackend, "redis", "postgres", "memory"); err != nil {
		return err
	}
	if err := oneOf("BLOB_BACKEND", c.BlobBackend, "postgres", "fs", "memory"); err != nil {
		return err
	}
	if c.NeedsPostgres() && c.PostgresDSN == "" {
		return errors.New("config: POSTGRES_DSN is required by the selected backends")
	}
	return nil
}

func oneOf(name, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return errors.Errorf("config: %s must be one of %v, got %q", name, allowed, v)
}

// NeedsPostgres reports whether any selected backend lives in Postgres.
func (c Config) NeedsPostgres() bool {
	return c.RegistryDriver == "postgres" || c.LockBackend == "postgres" || c.BlobBackend == "postgres"
}

// Location resolves TARGET_TIMEZONE against the IANA database.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TargetTimezone)
	if err != nil {
		return nil, errors.Wrapf(err, "config: load timezone %q", c.TargetTimezone)
	}
	return loc, nil
}

// Dev reports whether the process runs with development defaults.
func (c Config) Dev() bool { return c.AppEnv == "dev" }
