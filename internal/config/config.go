package config

import (
	"crypto/tls"
	"log"
	"os"
	"strconv"
	"time"
)

// ServerConfig captures the tunables required to start the SAPI server.
type ServerConfig struct {
	Addr        string
	DBPath      string
	ServerDID   string
	TLSCertFile string
	TLSKeyFile  string
	Logger      *log.Logger

	// TLSCertificate overrides the files; tests inject one here.
	TLSCertificate *tls.Certificate
	// AuthorityKeyFile keeps the issuing keys across restarts. Generated
	// on first start when missing; empty means ephemeral keys.
	AuthorityKeyFile string

	Anchor      AnchorConfig
	Redis       RedisConfig
	Session     SessionConfig
	Certificate CertificateConfig
	Distance    DistanceConfig
}

// ClientConfig tunes the SAPI client; the session window must match the
// server's.
type ClientConfig struct {
	Timeout       time.Duration
	SessionWindow time.Duration
	Distance      DistanceConfig
	Logger        *log.Logger
}

type AnchorConfig struct {
	BaseURL     string
	InsecureTLS bool
	Timeout     time.Duration
	Logger      *log.Logger
}

// RedisConfig is optional; an empty Addr selects the in-memory stores.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SessionConfig struct {
	Window           time.Duration
	ClockSkew        time.Duration
	CacheCapacity    int
	CleanupInterval  time.Duration
	ConnectionMaxAge time.Duration
	RateWindow       time.Duration
	// ForwardingMemory is how long a detected forwarding attempt keeps
	// raising the risk of its identity.
	ForwardingMemory time.Duration
}

type CertificateConfig struct {
	MaxLifetime        time.Duration
	RenewalWindow      time.Duration
	RequireQuantumSafe bool
}

type DistanceConfig struct {
	MaxDistanceMeters float64
	Timeout           time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Window:           60 * time.Second,
		ClockSkew:        30 * time.Second,
		CacheCapacity:    10000,
		CleanupInterval:  30 * time.Second,
		ConnectionMaxAge: 30 * time.Minute,
		RateWindow:       time.Minute,
		ForwardingMemory: 15 * time.Minute,
	}
}

func DefaultCertificateConfig() CertificateConfig {
	return CertificateConfig{
		MaxLifetime:   90 * 24 * time.Hour,
		RenewalWindow: 7 * 24 * time.Hour,
	}
}

func DefaultDistanceConfig() DistanceConfig {
	return DistanceConfig{
		MaxDistanceMeters: 50.0,
		Timeout:           2 * time.Second,
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:       10 * time.Second,
		SessionWindow: 60 * time.Second,
		Distance:      DefaultDistanceConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        ":8443",
		DBPath:      "sapi.db",
		ServerDID:   "did:sapi:server",
		Anchor:      AnchorConfig{Timeout: 10 * time.Second},
		Session:     DefaultSessionConfig(),
		Certificate: DefaultCertificateConfig(),
		Distance:    DefaultDistanceConfig(),
	}
}

// FromEnv overlays SAPI_* environment variables on cfg.
func FromEnv(cfg ServerConfig) ServerConfig {
	if v := os.Getenv("SAPI_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("SAPI_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SAPI_SERVER_DID"); v != "" {
		cfg.ServerDID = v
	}
	if v := os.Getenv("SAPI_TLS_CERT_FILE"); v != "" {
		cfg.TLSCertFile = v
	}
	if v := os.Getenv("SAPI_TLS_KEY_FILE"); v != "" {
		cfg.TLSKeyFile = v
	}
	if v := os.Getenv("SAPI_AUTHORITY_KEY_FILE"); v != "" {
		cfg.AuthorityKeyFile = v
	}
	if v := os.Getenv("SAPI_ANCHOR_URL"); v != "" {
		cfg.Anchor.BaseURL = v
	}
	if v, ok := envBool("SAPI_ANCHOR_INSECURE_TLS"); ok {
		cfg.Anchor.InsecureTLS = v
	}
	if v, ok := envDuration("SAPI_ANCHOR_TIMEOUT"); ok {
		cfg.Anchor.Timeout = v
	}
	if v := os.Getenv("SAPI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SAPI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SAPI_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = parsed
		}
	}
	if v, ok := envDuration("SAPI_CLOCK_SKEW"); ok {
		cfg.Session.ClockSkew = v
	}
	if v, ok := envDuration("SAPI_CONNECTION_MAX_AGE"); ok {
		cfg.Session.ConnectionMaxAge = v
	}
	if v, ok := envDuration("SAPI_FORWARDING_MEMORY"); ok {
		cfg.Session.ForwardingMemory = v
	}
	if v := os.Getenv("SAPI_SESSION_CACHE_CAPACITY"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Session.CacheCapacity = parsed
		}
	}
	if v, ok := envBool("SAPI_REQUIRE_QUANTUM_SAFE"); ok {
		cfg.Certificate.RequireQuantumSafe = v
	}
	if v := os.Getenv("SAPI_MAX_DISTANCE_METERS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Distance.MaxDistanceMeters = parsed
		}
	}
	return cfg
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func envDuration(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
