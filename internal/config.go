package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"http_server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Security       SecurityConfig       `mapstructure:"security"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	JWTPrivateKey       string        `mapstructure:"jwt_private_key"`
	JWTPublicKey        string        `mapstructure:"jwt_public_key" validate:"required"`
	OperatorTokenTTL    time.Duration `mapstructure:"operator_token_ttl"`
	WebhookSecret       string        `mapstructure:"webhook_secret"`
	SkipWebhookSigCheck bool          `mapstructure:"skip_webhook_signature_check"`
}

type GatewayConfig struct {
	Provider        string        `mapstructure:"provider" validate:"required,oneof=paystack generic"`
	BaseURL         string        `mapstructure:"base_url" validate:"required,url"`
	SecretKey       string        `mapstructure:"secret_key"`
	SignatureHeader string        `mapstructure:"signature_header"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
}

type ReconciliationConfig struct {
	GatewayTimeout     time.Duration `mapstructure:"gateway_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	ExpireAfter        time.Duration `mapstructure:"expire_after"`
	PageSize           int           `mapstructure:"page_size"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	MaxWorkers         int           `mapstructure:"max_workers"`
	JobQueueSize       int           `mapstructure:"job_queue_size"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level        string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format       string `mapstructure:"format" validate:"required,oneof=json text"`
	File         string `mapstructure:"file"`
	ErrorPattern string `mapstructure:"error_pattern"`
}

// ----------------- DEFAULTS -----------------

const DefaultErrorPattern = `(?i)credit verification failed|reconcile.*(error|failed)`

// ApplyDefaults fills zero values left by a partial config file.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Security.OperatorTokenTTL == 0 {
		c.Security.OperatorTokenTTL = time.Hour
	}
	if c.Gateway.Provider == "" {
		c.Gateway.Provider = "paystack"
	}
	if c.Gateway.SignatureHeader == "" {
		c.Gateway.SignatureHeader = "X-Paystack-Signature"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 10 * time.Second
	}
	if c.Gateway.RetryBaseDelay == 0 {
		c.Gateway.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.Reconciliation.GatewayTimeout == 0 {
		c.Reconciliation.GatewayTimeout = 30 * time.Second
	}
	if c.Reconciliation.WriteTimeout == 0 {
		c.Reconciliation.WriteTimeout = 10 * time.Second
	}
	if c.Reconciliation.StalenessThreshold == 0 {
		c.Reconciliation.StalenessThreshold = time.Hour
	}
	if c.Reconciliation.ExpireAfter == 0 {
		c.Reconciliation.ExpireAfter = 72 * time.Hour
	}
	if c.Reconciliation.PageSize == 0 {
		c.Reconciliation.PageSize = 100
	}
	if c.Reconciliation.SweepInterval == 0 {
		c.Reconciliation.SweepInterval = 5 * time.Minute
	}
	if c.Reconciliation.MaxWorkers == 0 {
		c.Reconciliation.MaxWorkers = 4
	}
	if c.Reconciliation.JobQueueSize == 0 {
		c.Reconciliation.JobQueueSize = 100
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
	if c.Observability.Logging.ErrorPattern == "" {
		c.Observability.Logging.ErrorPattern = DefaultErrorPattern
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

// ----------------- ENV LOADING -----------------

// LoadConfigFromEnv builds the configuration for container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", ""),
			AllowedOrigins:    getEnv("HTTP_ALLOWED_ORIGINS", ""),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 45*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DB_SOURCE", ""),
		},
		Security: SecurityConfig{
			JWTPrivateKey:       getEnv("JWT_PRIVATE_KEY", ""),
			JWTPublicKey:        getEnv("JWT_PUBLIC_KEY", ""),
			OperatorTokenTTL:    getEnvAsDuration("OPERATOR_TOKEN_TTL", time.Hour),
			WebhookSecret:       getEnv("WEBHOOK_SECRET", ""),
			SkipWebhookSigCheck: getEnv("SKIP_WEBHOOK_SIGNATURE_CHECK", "") == "true",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: getEnv("METRICS_ENABLED", "true") == "true",
				Path:    getEnv("METRICS_PATH", "/metrics"),
			},
			Logging: LoggingConfig{
				Level:        getEnv("LOG_LEVEL", "info"),
				Format:       getEnv("LOG_FORMAT", "json"),
				File:         getEnv("LOG_FILE", ""),
				ErrorPattern: getEnv("LOG_ERROR_PATTERN", DefaultErrorPattern),
			},
		},
		Gateway: GatewayConfig{
			Provider:        getEnv("GATEWAY_PROVIDER", "paystack"),
			BaseURL:         getEnv("GATEWAY_BASE_URL", ""),
			SecretKey:       getEnv("GATEWAY_SECRET_KEY", ""),
			SignatureHeader: getEnv("GATEWAY_SIGNATURE_HEADER", "X-Paystack-Signature"),
			Timeout:         getEnvAsDuration("GATEWAY_TIMEOUT", 10*time.Second),
			MaxRetries:      getEnvAsInt("GATEWAY_MAX_RETRIES", 2),
			RetryBaseDelay:  getEnvAsDuration("GATEWAY_RETRY_BASE_DELAY", 200*time.Millisecond),
		},
		Reconciliation: ReconciliationConfig{
			GatewayTimeout:     getEnvAsDuration("RECONCILE_GATEWAY_TIMEOUT", 30*time.Second),
			WriteTimeout:       getEnvAsDuration("RECONCILE_WRITE_TIMEOUT", 10*time.Second),
			StalenessThreshold: getEnvAsDuration("RECONCILE_STALENESS_THRESHOLD", time.Hour),
			ExpireAfter:        getEnvAsDuration("RECONCILE_EXPIRE_AFTER", 72*time.Hour),
			PageSize:           getEnvAsInt("RECONCILE_PAGE_SIZE", 100),
			SweepInterval:      getEnvAsDuration("RECONCILE_SWEEP_INTERVAL", 5*time.Minute),
			MaxWorkers:         getEnvAsInt("RECONCILE_MAX_WORKERS", 4),
			JobQueueSize:       getEnvAsInt("RECONCILE_JOB_QUEUE_SIZE", 100),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Reconciliation.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("reconciliation config: %v", err))
	}

	if err := c.Observability.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

// Validate only checks keys that are present; the server refuses to start
// the operator API without a public key, see HasOperatorAuth.
func (c *SecurityConfig) Validate() error {
	if c.JWTPrivateKey != "" {
		if _, err := c.GetPrivateKey(); err != nil {
			return fmt.Errorf("invalid JWT private key: %w", err)
		}
	}
	if c.JWTPublicKey != "" {
		if _, err := c.GetPublicKey(); err != nil {
			return fmt.Errorf("invalid JWT public key: %w", err)
		}
	}
	if c.WebhookSecret == "" && !c.SkipWebhookSigCheck {
		return errors.New("webhook_secret is required unless skip_webhook_signature_check is set")
	}
	return nil
}

func (c *SecurityConfig) HasOperatorAuth() bool {
	return c.JWTPublicKey != ""
}

func (c *SecurityConfig) GetPrivateKey() (*rsa.PrivateKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

func (c *GatewayConfig) Validate() error {
	switch c.Provider {
	case "paystack", "generic":
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}
	return nil
}

func (c *ReconciliationConfig) Validate() error {
	if c.GatewayTimeout <= 0 {
		return errors.New("gateway_timeout must be positive")
	}
	if c.ExpireAfter > 0 && c.ExpireAfter < c.StalenessThreshold {
		return errors.New("expire_after must be >= staleness_threshold")
	}
	if c.PageSize <= 0 {
		return errors.New("page_size must be positive")
	}
	if c.MaxWorkers <= 0 {
		return errors.New("max_workers must be positive")
	}
	return nil
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported level %q", c.Level)
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported format %q", c.Format)
	}
	if _, err := regexp.Compile(c.ErrorPattern); err != nil {
		return fmt.Errorf("invalid error_pattern: %w", err)
	}
	return nil
}
