package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumendark/lumendark/internal/asset"
)

const (
	defaultAppName          = "lumendark"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultSignatureWindow  = 5 * time.Minute
	defaultEventStream      = "ledger:events"
	defaultReconcileCron    = "@every 5m"
	defaultDepositRateLimit = 30
	defaultAssetDecimals    = 7
	defaultCustodyBackend   = CustodyMemory
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
)

// Custody backends. The in-memory vault simulates token contracts and is
// refused outside development; an external vault is supplied by the program
// embedding the server.
const (
	CustodyMemory   = "memory"
	CustodyExternal = "external"
)

// Config captures application runtime configuration. It is built once at
// startup and passed by value.
type Config struct {
	AppName           string
	AppEnv            string
	Port              string
	LogLevel          string
	LogFormat         string
	DatabaseURL       string
	RedisURL          string
	SQLiteJournalPath string
	ShutdownPeriod    time.Duration
	IdempotencyTTL    time.Duration
	SignatureWindow   time.Duration
	AdminPublicKey    string
	CustodyAccount    string
	CustodyBackend    string
	Assets            []asset.Binding
	EventStream       string
	ReconcileCron     string
	DepositRateLimit  int
}

// fileConfig mirrors Config for the optional YAML file named by CONFIG_FILE.
type fileConfig struct {
	AppName           string          `yaml:"app_name"`
	AppEnv            string          `yaml:"env"`
	Port              string          `yaml:"port"`
	LogLevel          string          `yaml:"log_level"`
	LogFormat         string          `yaml:"log_format"`
	DatabaseURL       string          `yaml:"database_url"`
	RedisURL          string          `yaml:"redis_url"`
	SQLiteJournalPath string          `yaml:"sqlite_journal_path"`
	ShutdownTimeout   string          `yaml:"shutdown_timeout"`
	IdempotencyTTL    string          `yaml:"idempotency_ttl"`
	SignatureWindow   string          `yaml:"signature_window"`
	AdminPublicKey    string          `yaml:"admin_public_key"`
	CustodyAccount    string          `yaml:"custody_account"`
	CustodyBackend    string          `yaml:"custody_backend"`
	Assets            []asset.Binding `yaml:"assets"`
	EventStream       string          `yaml:"event_stream"`
	ReconcileCron     string          `yaml:"reconcile_cron"`
	DepositRateLimit  int             `yaml:"deposit_rate_limit"`
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Config{
		AppName:          defaultAppName,
		AppEnv:           defaultAppEnv,
		Port:             defaultPort,
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		ShutdownPeriod:   defaultShutdownDelay,
		IdempotencyTTL:   defaultIdempotencyTTL,
		SignatureWindow:  defaultSignatureWindow,
		CustodyBackend:   defaultCustodyBackend,
		EventStream:      defaultEventStream,
		ReconcileCron:    defaultReconcileCron,
		DepositRateLimit: defaultDepositRateLimit,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.AppName, fc.AppName)
	setString(&c.AppEnv, fc.AppEnv)
	setString(&c.Port, fc.Port)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.RedisURL, fc.RedisURL)
	setString(&c.SQLiteJournalPath, fc.SQLiteJournalPath)
	setString(&c.AdminPublicKey, fc.AdminPublicKey)
	setString(&c.CustodyAccount, fc.CustodyAccount)
	setString(&c.CustodyBackend, fc.CustodyBackend)
	setString(&c.EventStream, fc.EventStream)
	setString(&c.ReconcileCron, fc.ReconcileCron)
	if fc.DepositRateLimit > 0 {
		c.DepositRateLimit = fc.DepositRateLimit
	}
	if len(fc.Assets) > 0 {
		c.Assets = fc.Assets
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &c.ShutdownPeriod},
		{"idempotency_ttl", fc.IdempotencyTTL, &c.IdempotencyTTL},
		{"signature_window", fc.SignatureWindow, &c.SignatureWindow},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s in config file: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.AppName, os.Getenv("APP_NAME"))
	setString(&c.AppEnv, os.Getenv("APP_ENV"))
	setString(&c.Port, os.Getenv("PORT"))
	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	setString(&c.LogFormat, os.Getenv("LOG_FORMAT"))
	setString(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&c.RedisURL, os.Getenv("REDIS_URL"))
	setString(&c.SQLiteJournalPath, os.Getenv("SQLITE_JOURNAL_PATH"))
	setString(&c.AdminPublicKey, os.Getenv("ADMIN_PUBLIC_KEY"))
	setString(&c.CustodyAccount, os.Getenv("CUSTODY_ACCOUNT"))
	setString(&c.CustodyBackend, os.Getenv("CUSTODY_BACKEND"))
	setString(&c.EventStream, os.Getenv("EVENT_STREAM"))
	setString(&c.ReconcileCron, os.Getenv("RECONCILE_CRON"))
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
	c.CustodyBackend = strings.ToLower(c.CustodyBackend)

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		c.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		c.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		c.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		c.IdempotencyTTL = d
	}

	if v := os.Getenv("SIGNATURE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SIGNATURE_WINDOW: %w", err)
		}
		c.SignatureWindow = d
	}

	if v := os.Getenv("DEPOSIT_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DEPOSIT_RATE_LIMIT: %w", err)
		}
		c.DepositRateLimit = n
	}

	if v := os.Getenv("ASSETS"); v != "" {
		bindings, err := ParseAssets(v)
		if err != nil {
			return err
		}
		c.Assets = bindings
	}
	return nil
}

func (c Config) validate() error {
	if c.AdminPublicKey == "" {
		return fmt.Errorf("ADMIN_PUBLIC_KEY must be set")
	}
	if c.CustodyAccount == "" {
		return fmt.Errorf("CUSTODY_ACCOUNT must be set")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("ASSETS must be set")
	}
	switch c.CustodyBackend {
	case CustodyMemory, CustodyExternal:
	default:
		return fmt.Errorf("unknown CUSTODY_BACKEND %q", c.CustodyBackend)
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.CustodyBackend == CustodyMemory {
		return fmt.Errorf("CUSTODY_BACKEND=%s is only allowed in development, APP_ENV=%s", CustodyMemory, c.AppEnv)
	}
	return nil
}

// ParseAssets decodes "A=<address>[:<decimals>],B=<address>[:<decimals>]".
func ParseAssets(s string) ([]asset.Binding, error) {
	var out []asset.Binding
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, rest, ok := strings.Cut(part, "=")
		if !ok || id == "" || rest == "" {
			return nil, fmt.Errorf("invalid ASSETS entry %q: want ID=ADDRESS[:DECIMALS]", part)
		}
		b := asset.Binding{ID: strings.TrimSpace(id), Address: strings.TrimSpace(rest), Decimals: defaultAssetDecimals}
		if i := strings.LastIndex(b.Address, ":"); i > 0 {
			dec, err := strconv.ParseInt(b.Address[i+1:], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid decimals in ASSETS entry %q: %w", part, err)
			}
			b.Address, b.Decimals = b.Address[:i], int32(dec)
		}
		out = append(out, b)
	}
	return out, nil
}

// IsDev reports whether the service runs in a local development environment,
// where Postgres and Redis fall back to in-process implementations.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
