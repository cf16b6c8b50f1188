package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the api and callctl processes read from env.
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	NATS    NATSConfig
	Auth    AuthConfig
	Media   MediaConfig
	Session SessionConfig
}

type AppConfig struct {
	Env  string
	Port int

	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts disable, require, verify-ca, verify-full.
	SSLMode string
}

// RedisConfig is optional; an empty Host disables the Redis busy mirror.
type RedisConfig struct {
	Host string
	Port int
}

// NATSConfig is optional; an empty URL disables event publishing.
type NATSConfig struct {
	URL     string
	Subject string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// MediaConfig signs join tokens for the external media service.
type MediaConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
}

// SessionConfig tunes the signaling coordinator and duration governor.
type SessionConfig struct {
	PresenceDebounce     time.Duration
	PendingCallTTL       time.Duration
	PendingSweepInterval time.Duration
	TimerSweepInterval   time.Duration
	TimerSweepGrace      time.Duration
	CapGrace             time.Duration
	// UncappedCallLimit bounds calls that connected without a known cap.
	UncappedCallLimit    time.Duration
}

// DefaultSession returns the production timings.
func DefaultSession() SessionConfig {
	return SessionConfig{
		PresenceDebounce:     time.Second,
		PendingCallTTL:       60 * time.Second,
		PendingSweepInterval: 30 * time.Second,
		TimerSweepInterval:   5 * time.Minute,
		TimerSweepGrace:      60 * time.Second,
		CapGrace:             3 * time.Second,
		UncappedCallLimit:    2 * time.Hour,
	}
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collectInt(parseErrs, "APP_PORT", true)
	c.App.AllowedOrigins = splitList(os.Getenv("WS_ALLOWED_ORIGINS"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collectInt(parseErrs, "DB_PORT", true)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collectInt(parseErrs, "REDIS_PORT", c.Redis.Host != "")

	c.NATS.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
	c.NATS.Subject = strings.TrimSpace(os.Getenv("NATS_SUBJECT_PREFIX"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = collectDuration(parseErrs, "JWT_ACCESS_TTL")

	c.Media.TokenSecret = os.Getenv("MEDIA_TOKEN_SECRET")
	c.Media.TokenTTL, parseErrs = collectDuration(parseErrs, "MEDIA_TOKEN_TTL")

	c.Session.PresenceDebounce, parseErrs = collectDuration(parseErrs, "PRESENCE_DEBOUNCE")
	c.Session.PendingCallTTL, parseErrs = collectDuration(parseErrs, "PENDING_CALL_TTL")
	c.Session.PendingSweepInterval, parseErrs = collectDuration(parseErrs, "PENDING_SWEEP_INTERVAL")
	c.Session.TimerSweepInterval, parseErrs = collectDuration(parseErrs, "TIMER_SWEEP_INTERVAL")
	c.Session.TimerSweepGrace, parseErrs = collectDuration(parseErrs, "TIMER_SWEEP_GRACE")
	c.Session.CapGrace, parseErrs = collectDuration(parseErrs, "CAP_GRACE")
	c.Session.UncappedCallLimit, parseErrs = collectDuration(parseErrs, "UNCAPPED_CALL_LIMIT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "calls"
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Media.TokenSecret == "" {
			errs = append(errs, errors.New("MEDIA_TOKEN_SECRET is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Media.TokenSecret == "" {
		c.Media.TokenSecret = c.Auth.JWTSecret
	}
	if c.Media.TokenTTL <= 0 {
		c.Media.TokenTTL = time.Hour
	}

	c.Session = c.Session.withDefaults()
	if c.Session.PendingSweepInterval > c.Session.PendingCallTTL {
		errs = append(errs, errors.New("PENDING_SWEEP_INTERVAL must not exceed PENDING_CALL_TTL"))
	}

	return joinErrors(errs)
}

func (s SessionConfig) withDefaults() SessionConfig {
	d := DefaultSession()
	if s.PresenceDebounce <= 0 {
		s.PresenceDebounce = d.PresenceDebounce
	}
	if s.PendingCallTTL <= 0 {
		s.PendingCallTTL = d.PendingCallTTL
	}
	if s.PendingSweepInterval <= 0 {
		s.PendingSweepInterval = d.PendingSweepInterval
	}
	if s.TimerSweepInterval <= 0 {
		s.TimerSweepInterval = d.TimerSweepInterval
	}
	if s.TimerSweepGrace <= 0 {
		s.TimerSweepGrace = d.TimerSweepGrace
	}
	if s.CapGrace <= 0 {
		s.CapGrace = d.CapGrace
	}
	if s.UncappedCallLimit <= 0 {
		s.UncappedCallLimit = d.UncappedCallLimit
	}
	return s
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Contains the password; never log.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func collectInt(errs []error, key string, required bool) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if required {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

// collectDuration treats an empty value as unset so Validate can apply defaults.
func collectDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
