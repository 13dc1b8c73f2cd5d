// Package config provides unified configuration for the drivercore server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (DRIVERCORE_ prefix)
//  4. Driver manifests from drivers_dir
//  5. File reference resolution (_file suffix fields)
//  6. Validation
package config

import (
	"time"

	"github.com/rhuss/drivercore/pkg/autostart"
	"github.com/rhuss/drivercore/pkg/driver"
)

// Config holds all configuration for the drivercore server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Autostart     AutostartConfig     `yaml:"autostart"`
	Spec          SpecCacheConfig     `yaml:"spec"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`

	// DriversDir holds one YAML manifest per driver (*.yaml, *.yml).
	DriversDir string         `yaml:"drivers_dir"`
	Drivers    []DriverConfig `yaml:"drivers"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig selects debug categories and the log level.
type LoggingConfig struct {
	Debug string `yaml:"debug"` // comma-separated categories, e.g. "dispatch,autostart"
	Level string `yaml:"level"` // TRACE, DEBUG, INFO, WARN, ERROR; default: INFO
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 120s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"` // default: 60s, 0 disables
}

// AutostartConfig holds the supervision policy and the enabled launchers.
type AutostartConfig struct {
	Enabled bool             `yaml:"enabled"` // default: true
	Policy  autostart.Policy `yaml:"policy"`

	// ProcessHost is the address process backends bind to.
	ProcessHost string `yaml:"process_host"` // default: 127.0.0.1

	Container  ContainerConfig  `yaml:"container"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// ContainerConfig enables the container launcher.
type ContainerConfig struct {
	Enabled bool              `yaml:"enabled"`
	Labels  map[string]string `yaml:"labels"`
}

// KubernetesConfig enables the sandbox launcher. The cluster is reached
// through the usual kubeconfig discovery.
type KubernetesConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"` // default: "default"
}

// SpecCacheConfig holds spec provider settings shared by all drivers.
type SpecCacheConfig struct {
	TTL time.Duration `yaml:"ttl"` // 0 caches until invalidated
}

// StorageConfig holds spec artifact persistence settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "none", "memory" or "postgres", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	DSNFile        string        `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32         `yaml:"max_conns"`        // default: 25
	MaxAge         time.Duration `yaml:"max_age"`          // 0 keeps artifacts forever
	MigrateOnStart bool          `yaml:"migrate_on_start"` // default: false
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey" or "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // API key entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject     string `yaml:"subject" json:"subject"`
	ServiceTier string `yaml:"service_tier" json:"service_tier"`
}

// JWTConfig configures bearer token validation for type=jwt.
type JWTConfig struct {
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
	Secret     string `yaml:"secret"`      // HMAC secret
	SecretFile string `yaml:"secret_file"` // _file variant for secret
	JWKSURL    string `yaml:"jwks_url"`    // RSA keys, instead of secret
	TierClaim  string `yaml:"tier_claim"`  // default: "tier"
}

// RateLimitConfig limits requests per authenticated subject, by tier.
type RateLimitConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tiers   map[string]TierConfig `yaml:"tiers"` // "default" applies to unknown tiers
}

// TierConfig is one rate limit tier.
type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// DriverConfig declares one driver: its metadata plus how to reach,
// describe and translate calls for it.
type DriverConfig struct {
	driver.Meta `yaml:",inline"`

	Bridge BridgeConfig `yaml:"bridge"`
	Spec   SpecConfig   `yaml:"spec"`

	// Routes map function names to REST requests (protocol "rest").
	Routes map[string]driver.Route `yaml:"routes"`

	// PassUnknown forwards functions without a route as POST /<function>.
	PassUnknown bool `yaml:"pass_unknown"`

	// Handlers bind declared capability flags to backend operations.
	Handlers map[string]OperationConfig `yaml:"handlers"`

	// Source records where the declaration was read from.
	Source string `yaml:"-"`
}

// BridgeConfig describes how to reach a driver's backend. URL is empty for
// autostarted drivers; their endpoint comes from the launch.
type BridgeConfig struct {
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Token     string            `yaml:"token"`
	TokenFile string            `yaml:"token_file"` // _file variant for token
	OAuth     *OAuthConfig      `yaml:"oauth"`
	Timeout   time.Duration     `yaml:"timeout"`    // default: 60s
	RateLimit float64           `yaml:"rate_limit"` // requests per second, 0 disables
	Burst     int               `yaml:"burst"`
	Serialize bool              `yaml:"serialize"` // one call at a time
	Retry     RetryConfig       `yaml:"retry"`
}

// OAuthConfig configures the client_credentials grant for backend calls.
type OAuthConfig struct {
	TokenURL         string   `yaml:"token_url"`
	ClientID         string   `yaml:"client_id"`
	ClientIDFile     string   `yaml:"client_id_file"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretFile string   `yaml:"client_secret_file"`
	Scopes           []string `yaml:"scopes"`
}

// RetryConfig bounds retries of idempotent backend operations.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"` // <= 1 disables
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// SpecConfig selects where a driver's spec artifact comes from. Exactly one
// of Inline, File, URL or MCP is used; MCP discovers tools from the bridge.
type SpecConfig struct {
	Inline    string            `yaml:"inline"`
	File      string            `yaml:"file"`
	URL       string            `yaml:"url"`
	MCP       bool              `yaml:"mcp"`
	Templates map[string]string `yaml:"templates"`
	TTL       time.Duration     `yaml:"ttl"` // overrides spec.ttl
}

// OperationConfig is a backend operation bound to a capability flag.
type OperationConfig struct {
	Name       string         `yaml:"name"`
	Method     string         `yaml:"method"`
	Path       string         `yaml:"path"`
	Args       map[string]any `yaml:"args"`
	Idempotent bool           `yaml:"idempotent"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			CallTimeout: 60 * time.Second,
		},
		Autostart: AutostartConfig{
			Enabled:     true,
			Policy:      autostart.DefaultPolicy(),
			ProcessHost: "127.0.0.1",
			Kubernetes: KubernetesConfig{
				Namespace: "default",
			},
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Auth: AuthConfig{
			Type: "none",
			JWT: JWTConfig{
				TierClaim: "tier",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}
