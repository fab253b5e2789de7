package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers selectable with STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all environment configuration
type Config struct {
	Port                int
	StorageDriver       string
	DatabaseURL         string
	SQLitePath          string
	DBConnectionTimeout time.Duration
	DBMaxConns          int32
	LogLevel            string
	LogFormat           string
	RequestTimeout      time.Duration

	// Garbage collection
	GCInterval  time.Duration
	GCThreshold int
	// GCPurgeRate caps purges per second across queues; 0 disables pacing.
	GCPurgeRate float64

	// Storage write retries
	MaxAttempts    int
	MaxRetrySleep  time.Duration
	MaxRetryJitter time.Duration

	Limits Limits
}

// Limits bound what a single request may ask of the engine.
type Limits struct {
	QueuePagingUplimit   int
	MessagePagingUplimit int
	DefaultQueuePaging   int
	DefaultMessagePaging int

	MessageTTLMax time.Duration
	ClaimTTLMax   time.Duration
	ClaimGraceMax time.Duration

	MetadataSizeUplimit int
	MessageSizeUplimit  int
}

func DefaultLimits() Limits {
	return Limits{
		QueuePagingUplimit:   20,
		MessagePagingUplimit: 20,
		DefaultQueuePaging:   10,
		DefaultMessagePaging: 10,
		MessageTTLMax:        1209600 * time.Second,
		ClaimTTLMax:          43200 * time.Second,
		ClaimGraceMax:        43200 * time.Second,
		MetadataSizeUplimit:  64 * 1024,
		MessageSizeUplimit:   256 * 1024,
	}
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		Port:                8080,
		StorageDriver:       DriverMemory,
		SQLitePath:          "claimq.db",
		DBConnectionTimeout: 5 * time.Second,
		DBMaxConns:          25,
		LogLevel:            "info",
		LogFormat:           "json",
		RequestTimeout:      30 * time.Second,
		GCInterval:          300 * time.Second,
		GCThreshold:         1000,
		GCPurgeRate:         10,
		MaxAttempts:         1000,
		MaxRetrySleep:       100 * time.Millisecond,
		MaxRetryJitter:      5 * time.Millisecond,
		Limits:              DefaultLimits(),
	}
}

// env reads typed variables and remembers every parse failure so
// LoadConfig can report them all at once.
type env struct {
	errs []error
}

func (e *env) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *env) str(name, defaultVal string) string {
	if v, ok := e.lookup(name); ok {
		return v
	}
	return defaultVal
}

func (e *env) int(name string, defaultVal int) int {
	v, ok := e.lookup(name)
	if !ok {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: not an integer: %q", name, v))
		return defaultVal
	}
	return i
}

func (e *env) float(name string, defaultVal float64) float64 {
	v, ok := e.lookup(name)
	if !ok {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: not a number: %q", name, v))
		return defaultVal
	}
	return f
}

// seconds reads a whole number of seconds → duration
func (e *env) seconds(name string, defaultVal time.Duration) time.Duration {
	return time.Duration(e.int(name, int(defaultVal/time.Second))) * time.Second
}

// fractionalSeconds reads seconds that may carry a fraction, e.g. 0.005.
func (e *env) fractionalSeconds(name string, defaultVal time.Duration) time.Duration {
	return time.Duration(e.float(name, defaultVal.Seconds()) * float64(time.Second))
}

func LoadConfig() (*Config, error) {
	def := Default()
	e := &env{}

	cfg := &Config{
		Port:                e.int("PORT", def.Port),
		StorageDriver:       strings.ToLower(e.str("STORAGE_DRIVER", def.StorageDriver)),
		DatabaseURL:         e.str("DATABASE_URL", ""),
		SQLitePath:          e.str("SQLITE_PATH", def.SQLitePath),
		DBConnectionTimeout: e.seconds("DB_CONNECTION_TIMEOUT", def.DBConnectionTimeout),
		DBMaxConns:          int32(e.int("DB_MAX_CONNS", int(def.DBMaxConns))),
		LogLevel:            e.str("LOG_LEVEL", def.LogLevel),
		LogFormat:           e.str("LOG_FORMAT", def.LogFormat),
		RequestTimeout:      e.seconds("REQUEST_TIMEOUT", def.RequestTimeout),

		GCInterval:  e.seconds("GC_INTERVAL", def.GCInterval),
		GCThreshold: e.int("GC_THRESHOLD", def.GCThreshold),
		GCPurgeRate: e.float("GC_PURGE_RATE", def.GCPurgeRate),

		MaxAttempts:    e.int("MAX_ATTEMPTS", def.MaxAttempts),
		MaxRetrySleep:  e.fractionalSeconds("MAX_RETRY_SLEEP", def.MaxRetrySleep),
		MaxRetryJitter: e.fractionalSeconds("MAX_RETRY_JITTER", def.MaxRetryJitter),

		Limits: Limits{
			QueuePagingUplimit:   e.int("QUEUE_PAGING_UPLIMIT", def.Limits.QueuePagingUplimit),
			MessagePagingUplimit: e.int("MESSAGE_PAGING_UPLIMIT", def.Limits.MessagePagingUplimit),
			DefaultQueuePaging:   e.int("DEFAULT_QUEUE_PAGING", def.Limits.DefaultQueuePaging),
			DefaultMessagePaging: e.int("DEFAULT_MESSAGE_PAGING", def.Limits.DefaultMessagePaging),
			MessageTTLMax:        e.seconds("MESSAGE_TTL_MAX", def.Limits.MessageTTLMax),
			ClaimTTLMax:          e.seconds("CLAIM_TTL_MAX", def.Limits.ClaimTTLMax),
			ClaimGraceMax:        e.seconds("CLAIM_GRACE_MAX", def.Limits.ClaimGraceMax),
			MetadataSizeUplimit:  e.int("METADATA_SIZE_UPLIMIT", def.Limits.MetadataSizeUplimit),
			MessageSizeUplimit:   e.int("MESSAGE_SIZE_UPLIMIT", def.Limits.MessageSizeUplimit),
		},
	}

	if err := errors.Join(append(e.errs, cfg.Validate())...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every out-of-range option.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port <= 65535, "invalid PORT: %d", c.Port)
	switch c.StorageDriver {
	case DriverMemory:
	case DriverPostgres:
		check(c.DatabaseURL != "", "DATABASE_URL is required for the postgres driver")
	case DriverSQLite:
		check(c.SQLitePath != "", "SQLITE_PATH is required for the sqlite driver")
	default:
		errs = append(errs, fmt.Errorf("invalid STORAGE_DRIVER: %q", c.StorageDriver))
	}
	check(c.DBConnectionTimeout > 0, "invalid DB_CONNECTION_TIMEOUT: %s", c.DBConnectionTimeout)
	check(c.DBMaxConns > 0, "invalid DB_MAX_CONNS: %d", c.DBMaxConns)
	check(c.RequestTimeout > 0, "invalid REQUEST_TIMEOUT: %s", c.RequestTimeout)

	check(c.GCInterval > 0, "invalid GC_INTERVAL: %s", c.GCInterval)
	check(c.GCThreshold > 0, "invalid GC_THRESHOLD: %d", c.GCThreshold)
	check(c.GCPurgeRate >= 0, "invalid GC_PURGE_RATE: %g", c.GCPurgeRate)

	check(c.MaxAttempts > 0, "invalid MAX_ATTEMPTS: %d", c.MaxAttempts)
	check(c.MaxRetrySleep > 0, "invalid MAX_RETRY_SLEEP: %s", c.MaxRetrySleep)
	check(c.MaxRetryJitter >= 0, "invalid MAX_RETRY_JITTER: %s", c.MaxRetryJitter)

	l := c.Limits
	check(l.QueuePagingUplimit > 0, "invalid QUEUE_PAGING_UPLIMIT: %d", l.QueuePagingUplimit)
	check(l.MessagePagingUplimit > 0, "invalid MESSAGE_PAGING_UPLIMIT: %d", l.MessagePagingUplimit)
	check(l.DefaultQueuePaging > 0 && l.DefaultQueuePaging <= l.QueuePagingUplimit,
		"invalid DEFAULT_QUEUE_PAGING: %d (must be 1..QUEUE_PAGING_UPLIMIT)", l.DefaultQueuePaging)
	check(l.DefaultMessagePaging > 0 && l.DefaultMessagePaging <= l.MessagePagingUplimit,
		"invalid DEFAULT_MESSAGE_PAGING: %d (must be 1..MESSAGE_PAGING_UPLIMIT)", l.DefaultMessagePaging)
	check(l.MessageTTLMax > 0, "invalid MESSAGE_TTL_MAX: %s", l.MessageTTLMax)
	check(l.ClaimTTLMax > 0, "invalid CLAIM_TTL_MAX: %s", l.ClaimTTLMax)
	check(l.ClaimGraceMax > 0, "invalid CLAIM_GRACE_MAX: %s", l.ClaimGraceMax)
	check(l.MetadataSizeUplimit > 0, "invalid METADATA_SIZE_UPLIMIT: %d", l.MetadataSizeUplimit)
	check(l.MessageSizeUplimit > 0, "invalid MESSAGE_SIZE_UPLIMIT: %d", l.MessageSizeUplimit)

	return errors.Join(errs...)
}
