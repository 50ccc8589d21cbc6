package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrMissingPassword is returned when no password source yields a value.
	ErrMissingPassword = errors.New("database password is not configured: set AZURE_POSTGRESQL_PASSWORD, PGPASSWORD or WEBSITE_DBPASSWORD")

	// ErrMissingField is returned when host, database or user is empty.
	ErrMissingField = errors.New("invalid database configuration: missing required field")
)

// ConnectionStringEnv holds a full connection string that takes precedence over the discrete PG* values.
const ConnectionStringEnv = "AZURE_POSTGRESQL_CONNECTIONSTRING"

// Config holds application settings loaded from environment variables.
type Config struct {
	Port                string
	LogLevel            string
	LogFormat           string
	ShutdownTimeout     time.Duration
	Database            ConnectionConfig
	HealthCheckInterval time.Duration
	ReconnectDelay      time.Duration
	KafkaBrokers        []string
	KafkaTopic          string
}

// TLSPolicy controls how connections to the server are encrypted.
type TLSPolicy struct {
	Enabled    bool
	Verify     bool
	MinVersion string
	MaxVersion string
}

// ConnectionConfig describes how to reach the database and how to size the pool.
// It is passed by value and never mutated after Load returns.
type ConnectionConfig struct {
	Host     string
	Database string
	User     string
	Password string
	Port     uint16
	TLS      TLSPolicy

	MaxConns              int32
	IdleTimeout           time.Duration
	ConnectTimeout        time.Duration
	KeepAlive             bool
	KeepAliveInitialDelay time.Duration
}

// Load reads configuration from environment variables and returns it,
// or an error if required values are missing or invalid.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	db, err := LoadDatabase()
	if err != nil {
		return nil, err
	}

	healthInterval, err := parseDuration("HEALTH_CHECK_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	reconnectDelay, err := parseDuration("RECONNECT_DELAY", 5*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:                sharedcfg.EnvOrDefault("PORT", "8080"),
		LogLevel:            sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:     shutdownTimeout,
		Database:            db,
		HealthCheckInterval: healthInterval,
		ReconnectDelay:      reconnectDelay,
		KafkaBrokers:        parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          sharedcfg.EnvOrDefault("KAFKA_TOPIC", "db-connectivity"),
	}, nil
}

// LoadDatabase builds the connection settings from AZURE_POSTGRESQL_CONNECTIONSTRING when set,
// falling back to the discrete PG* variables, and validates the result.
func LoadDatabase() (ConnectionConfig, error) {
	var (
		cfg ConnectionConfig
		err error
	)
	if raw := os.Getenv(ConnectionStringEnv); raw != "" {
		cfg, err = parseConnectionString(raw)
		if err != nil {
			return ConnectionConfig{}, fmt.Errorf("parse %s: %w", ConnectionStringEnv, err)
		}
	} else {
		cfg, err = discreteConnection()
		if err != nil {
			return ConnectionConfig{}, err
		}
	}

	if pw := passwordFromEnv(); pw != "" {
		cfg.Password = pw
	}

	cfg.TLS, err = loadTLSPolicy()
	if err != nil {
		return ConnectionConfig{}, err
	}
	if err := loadPoolTuning(&cfg); err != nil {
		return ConnectionConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return ConnectionConfig{}, err
	}
	return cfg, nil
}

// Validate reports a configuration error for a missing password or required field.
func (c ConnectionConfig) Validate() error {
	if c.Password == "" {
		return ErrMissingPassword
	}
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: host", ErrMissingField)
	case c.Database == "":
		return fmt.Errorf("%w: database", ErrMissingField)
	case c.User == "":
		return fmt.Errorf("%w: user", ErrMissingField)
	}
	if _, err := tlsVersion(c.TLS.MinVersion); err != nil {
		return err
	}
	if _, err := tlsVersion(c.TLS.MaxVersion); err != nil {
		return err
	}
	return nil
}

// DSN returns a postgres:// URL for the connection. Pool tuning and TLS
// details are applied separately by the pool constructor.
func (c ConnectionConfig) DSN() string {
	sslmode := "disable"
	if c.TLS.Enabled {
		sslmode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port))),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + sslmode,
	}
	return u.String()
}

// Redacted describes the target without credentials, for logs and diagnostics.
func (c ConnectionConfig) Redacted() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}

// String implements fmt.Stringer so that %v never prints the password.
func (c ConnectionConfig) String() string {
	return c.Redacted()
}

// TLSConfig returns the client TLS configuration, or nil when TLS is disabled.
func (c ConnectionConfig) TLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	minV, err := tlsVersion(c.TLS.MinVersion)
	if err != nil {
		return nil, err
	}
	maxV, err := tlsVersion(c.TLS.MaxVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: !c.TLS.Verify, //nolint:gosec // managed servers are commonly reached without a pinned CA
		MinVersion:         minV,
		MaxVersion:         maxV,
	}, nil
}

// FormatUser applies the user@server login convention of single-server Azure
// PostgreSQL, where server is the first label of the host name.
func FormatUser(user, host string) string {
	if user == "" || strings.Contains(user, "@") {
		return user
	}
	server, _, _ := strings.Cut(host, ".")
	if server == "" {
		return user
	}
	return user + "@" + server
}

func parseConnectionString(raw string) (ConnectionConfig, error) {
	if !strings.Contains(raw, "://") && strings.Contains(raw, ";") {
		raw = semicolonToKeywordValue(raw)
	}
	pc, err := pgconn.ParseConfig(raw)
	if err != nil {
		return ConnectionConfig{}, err
	}
	database := pc.Database
	if database == "" {
		database = "postgres"
	}
	port := pc.Port
	if port == 0 {
		port = 5432
	}
	return ConnectionConfig{
		Host:     pc.Host,
		Database: database,
		User:     FormatUser(pc.User, pc.Host),
		Password: pc.Password,
		Port:     port,
	}, nil
}

// semicolonToKeywordValue converts "Server=h;Database=d;User Id=u;Password=p"
// into the libpq keyword/value form understood by pgconn.
func semicolonToKeywordValue(raw string) string {
	keys := map[string]string{
		"server":   "host",
		"host":     "host",
		"database": "dbname",
		"port":     "port",
		"user id":  "user",
		"userid":   "user",
		"username": "user",
		"user":     "user",
		"password": "password",
	}
	var parts []string
	for _, pair := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key, known := keys[strings.ToLower(strings.TrimSpace(k))]
		if !known {
			continue
		}
		v = strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(v), `\`, `\\`), `'`, `\'`)
		parts = append(parts, key+"='"+v+"'")
	}
	return strings.Join(parts, " ")
}

func discreteConnection() (ConnectionConfig, error) {
	port, err := strconv.ParseUint(sharedcfg.EnvOrDefault("PGPORT", "5432"), 10, 16)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("invalid PGPORT: %w", err)
	}
	return ConnectionConfig{
		Host:     sharedcfg.EnvOrDefault("PGHOST", "localhost"),
		Database: sharedcfg.EnvOrDefault("PGDATABASE", "postgres"),
		User:     sharedcfg.EnvOrDefault("PGUSER", "postgres"),
		Port:     uint16(port),
	}, nil
}

func passwordFromEnv() string {
	for _, key := range []string{"AZURE_POSTGRESQL_PASSWORD", "PGPASSWORD", "WEBSITE_DBPASSWORD"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func loadTLSPolicy() (TLSPolicy, error) {
	enabled, err := parseBool("DB_SSL", true)
	if err != nil {
		return TLSPolicy{}, err
	}
	verify, err := parseBool("DB_SSL_VERIFY", false)
	if err != nil {
		return TLSPolicy{}, err
	}
	return TLSPolicy{
		Enabled:    enabled,
		Verify:     verify,
		MinVersion: sharedcfg.EnvOrDefault("DB_SSL_MIN_VERSION", "TLSv1.2"),
		MaxVersion: sharedcfg.EnvOrDefault("DB_SSL_MAX_VERSION", "TLSv1.3"),
	}, nil
}

func loadPoolTuning(cfg *ConnectionConfig) error {
	maxConns, err := strconv.ParseInt(sharedcfg.EnvOrDefault("DB_POOL_MAX", "20"), 10, 32)
	if err != nil || maxConns < 1 {
		return fmt.Errorf("invalid DB_POOL_MAX: must be a positive integer")
	}
	cfg.MaxConns = int32(maxConns)

	if cfg.IdleTimeout, err = parseDuration("DB_IDLE_TIMEOUT", 30*time.Second); err != nil {
		return err
	}
	if cfg.ConnectTimeout, err = parseDuration("DB_CONNECT_TIMEOUT", 30*time.Second); err != nil {
		return err
	}
	if cfg.KeepAlive, err = parseBool("DB_KEEPALIVE", true); err != nil {
		return err
	}
	if cfg.KeepAliveInitialDelay, err = parseDuration("DB_KEEPALIVE_INITIAL_DELAY", 10*time.Second); err != nil {
		return err
	}
	return nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func parseBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func tlsVersion(name string) (uint16, error) {
	switch name {
	case "":
		return 0, nil
	case "TLSv1", "TLSv1.0":
		return tls.VersionTLS10, nil
	case "TLSv1.1":
		return tls.VersionTLS11, nil
	case "TLSv1.2":
		return tls.VersionTLS12, nil
	case "TLSv1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("invalid TLS version %q", name)
}
