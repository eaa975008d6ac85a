package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration, read from the environment.
type Config struct {
	Service       ServiceConfig
	Server        ServerConfig
	GRPC          GRPCConfig
	Store         StoreConfig
	Database      DatabaseConfig
	NATS          NATSConfig
	Auth          AuthConfig
	Dispatcher    DispatcherConfig
	Collaborators CollaboratorsConfig
	Tracing       TracingConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type GRPCConfig struct {
	Port       int
	Reflection bool
}

// StoreConfig selects the persistence driver: "postgres" or "memory".
type StoreConfig struct {
	Driver string
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
	Migrate     bool
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type AuthConfig struct {
	JWTSecret string
	SkipAuth  bool
}

type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Lease        time.Duration
	Concurrency  int
}

// CollaboratorsConfig points at the services that own subject entities and
// render artifacts. SubjectURLs maps workflow kind to base URL.
type CollaboratorsConfig struct {
	SubjectURLs     map[string]string
	ArtifactURL     string
	HTTPTimeout     time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type TracingConfig struct {
	Enabled    bool
	OutputFile string
}

// Load reads configuration from the environment, after loading a .env file
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	l := &loader{}
	cfg := &Config{
		Service: ServiceConfig{
			Name:        l.str("SERVICE_NAME", "be-hr-approvals"),
			Version:     l.str("SERVICE_VERSION", "dev"),
			Environment: l.str("ENVIRONMENT", "development"),
			LogLevel:    l.str("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            l.int("HTTP_PORT", 8086),
			ReadTimeout:     l.duration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    l.duration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     l.duration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:  l.duration("HTTP_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: l.duration("SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		GRPC: GRPCConfig{
			Port:       l.int("GRPC_PORT", 9086),
			Reflection: l.bool("GRPC_REFLECTION", true),
		},
		Store: StoreConfig{
			Driver: l.str("STORE_DRIVER", "postgres"),
		},
		Database: DatabaseConfig{
			Host:        l.str("DB_HOST", "localhost"),
			Port:        l.int("DB_PORT", 5432),
			User:        l.str("DB_USER", "postgres"),
			Password:    l.str("DB_PASSWORD", "postgres"),
			Database:    l.str("DB_NAME", "hr_approvals"),
			SSLMode:     l.str("DB_SSLMODE", "disable"),
			MaxConns:    int32(l.int("DB_MAX_CONNS", 20)),
			MinConns:    int32(l.int("DB_MIN_CONNS", 2)),
			MaxConnTime: l.duration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: l.duration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			HealthCheck: l.duration("DB_HEALTH_CHECK_PERIOD", time.Minute),
			Migrate:     l.bool("DB_MIGRATE", true),
		},
		NATS: NATSConfig{
			URL:     l.str("NATS_URL", "nats://localhost:4222"),
			Enabled: l.bool("NATS_ENABLED", true),
		},
		Auth: AuthConfig{
			JWTSecret: l.str("JWT_SECRET", ""),
			SkipAuth:  l.bool("SKIP_AUTH", false),
		},
		Dispatcher: DispatcherConfig{
			PollInterval: l.duration("DISPATCH_POLL_INTERVAL", 2*time.Second),
			BatchSize:    l.int("DISPATCH_BATCH_SIZE", 10),
			MaxAttempts:  l.int("DISPATCH_MAX_ATTEMPTS", 8),
			BaseBackoff:  l.duration("DISPATCH_BASE_BACKOFF", 5*time.Second),
			MaxBackoff:   l.duration("DISPATCH_MAX_BACKOFF", 10*time.Minute),
			Lease:        l.duration("DISPATCH_LEASE", 2*time.Minute),
			Concurrency:  l.int("DISPATCH_CONCURRENCY", 4),
		},
		Collaborators: CollaboratorsConfig{
			SubjectURLs: l.kv("SUBJECT_SERVICE_URLS", map[string]string{
				"payroll_batch": "http://localhost:8090",
			}),
			ArtifactURL:     l.str("ARTIFACT_SERVICE_URL", "http://localhost:8091"),
			HTTPTimeout:     l.duration("COLLABORATOR_HTTP_TIMEOUT", 10*time.Second),
			BreakerFailures: uint32(l.int("COLLABORATOR_BREAKER_FAILURES", 5)),
			BreakerTimeout:  l.duration("COLLABORATOR_BREAKER_TIMEOUT", 30*time.Second),
		},
		Tracing: TracingConfig{
			Enabled:    l.bool("TRACING_ENABLED", false),
			OutputFile: l.str("TRACING_OUTPUT", ""),
		},
	}

	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Store.Driver)
	}
	if !c.Auth.SkipAuth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless SKIP_AUTH=true")
	}
	if c.Dispatcher.BatchSize < 1 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive")
	}
	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be positive")
	}
	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive")
	}
	return nil
}

// loader accumulates the first parse error so Load can report it once.
type loader struct {
	err error
}

func (l *loader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (l *loader) int(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return n
}

func (l *loader) bool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return b
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return d
}

// kv parses "k1=v1,k2=v2".
func (l *loader) kv(key string, def map[string]string) map[string]string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, val, found := strings.Cut(pair, "=")
		if !found || k == "" {
			l.fail(key, v, fmt.Errorf("expected key=value, got %q", pair))
			return def
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out
}

func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
