// Package config holds the YAML configuration surface for dnsgate.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in the resolver preference list.
const (
	ProviderNextDNS    = "nextdns"
	ProviderCloudflare = "cloudflare"
	ProviderGoogle     = "google"
	ProviderOpenDNS    = "opendns"
	ProviderSystem     = "system"
)

// Driver scopes and names accepted in the drivers block.
const (
	ScopeLogs      = "logs"
	ScopeCache     = "cache"
	ScopeBlacklist = "blacklist"
	ScopeWhitelist = "whitelist"

	DriverInMemory = "inmemory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverConsole  = "console"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Drivers   DriversConfig   `yaml:"drivers"`
	Cache     CacheConfig     `yaml:"cache"`
	Logs      LogStoreConfig  `yaml:"logs"`
	Policy    PolicyConfig    `yaml:"policy"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	UDPEnabled   bool          `yaml:"udp_enabled"`
	TCPEnabled   bool          `yaml:"tcp_enabled"`
	HTTPAddress  string        `yaml:"http_address"` // DoH + admin surface
	StatePath    string        `yaml:"state_path"`   // persisted config + driver selection
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// ResolverConfig holds the query pipeline settings.
type ResolverConfig struct {
	Providers           []string      `yaml:"providers"`
	NextDNSConfigID     string        `yaml:"nextdns_config_id"`
	NextDNSEndpoint     string        `yaml:"nextdns_endpoint"` // override base URL, e.g. a self-hosted gateway
	EnableWhitelistMode bool          `yaml:"enable_whitelist_mode"`
	SecondaryDNS        string        `yaml:"secondary_dns"`
	SystemResolver      string        `yaml:"system_resolver"`
	UpstreamTimeout     time.Duration `yaml:"upstream_timeout"`
	QueryDeadline       time.Duration `yaml:"query_deadline"`
	FanOut              int           `yaml:"fan_out"`
	StaggerDelay        time.Duration `yaml:"stagger_delay"`
}

// DriversConfig selects the storage backend per scope.
type DriversConfig struct {
	Logs          string        `yaml:"logs"`
	Cache         string        `yaml:"cache"`
	Blacklist     string        `yaml:"blacklist"`
	Whitelist     string        `yaml:"whitelist"`
	SQLitePath    string        `yaml:"sqlite_path"`
	FileDir       string        `yaml:"file_dir"`
	FlushDebounce time.Duration `yaml:"flush_debounce"`
}

// CacheConfig holds response cache policy settings.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	MinTTL        time.Duration `yaml:"min_ttl"`
	MaxTTL        time.Duration `yaml:"max_ttl"`
	NegativeTTL   time.Duration `yaml:"negative_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LogStoreConfig holds the query log store settings.
type LogStoreConfig struct {
	MaxEntries    int `yaml:"max_entries"`
	RetentionDays int `yaml:"retention_days"`
	BufferSize    int `yaml:"buffer_size"`
	Workers       int `yaml:"workers"`
}

// PolicyConfig holds custom expression rules evaluated per query.
type PolicyConfig struct {
	Rules []PolicyRule `yaml:"rules"`
}

// PolicyRule is one configured rule. Enabled defaults to true when
// omitted.
type PolicyRule struct {
	Name    string `yaml:"name"`
	Logic   string `yaml:"logic"`
	Action  string `yaml:"action"`
	Enabled *bool  `yaml:"enabled"`
}

// LoggingConfig holds process logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`     // debug, info, warn, error
	Format    string `yaml:"format"`    // json, text
	Output    string `yaml:"output"`    // stdout, stderr, file
	FilePath  string `yaml:"file_path"` // if output=file
	AddSource bool   `yaml:"add_source"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults returns a configuration carrying only the defaults.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 53
	}
	if !c.Server.UDPEnabled && !c.Server.TCPEnabled {
		c.Server.UDPEnabled = true
		c.Server.TCPEnabled = true
	}
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.StatePath == "" {
		c.Server.StatePath = "./dnsgate-state.json"
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = 2 * time.Second
	}

	if len(c.Resolver.Providers) == 0 {
		c.Resolver.Providers = []string{ProviderCloudflare, ProviderGoogle, ProviderSystem}
	}
	if c.Resolver.SecondaryDNS == "" {
		c.Resolver.SecondaryDNS = ProviderCloudflare
	}
	if c.Resolver.SystemResolver == "" {
		c.Resolver.SystemResolver = "127.0.0.53:53"
	}
	if c.Resolver.UpstreamTimeout == 0 {
		c.Resolver.UpstreamTimeout = 5 * time.Second
	}
	if c.Resolver.QueryDeadline == 0 {
		c.Resolver.QueryDeadline = 8 * time.Second
	}
	if c.Resolver.FanOut == 0 {
		c.Resolver.FanOut = 3
	}
	if c.Resolver.StaggerDelay == 0 {
		c.Resolver.StaggerDelay = 200 * time.Millisecond
	}

	if c.Drivers.Logs == "" {
		c.Drivers.Logs = DriverInMemory
	}
	if c.Drivers.Cache == "" {
		c.Drivers.Cache = DriverInMemory
	}
	if c.Drivers.Blacklist == "" {
		c.Drivers.Blacklist = DriverInMemory
	}
	if c.Drivers.Whitelist == "" {
		c.Drivers.Whitelist = DriverInMemory
	}
	if c.Drivers.SQLitePath == "" {
		c.Drivers.SQLitePath = "./dnsgate.db"
	}
	if c.Drivers.FileDir == "" {
		c.Drivers.FileDir = "./data"
	}
	if c.Drivers.FlushDebounce == 0 {
		c.Drivers.FlushDebounce = 500 * time.Millisecond
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.MinTTL == 0 {
		c.Cache.MinTTL = 10 * time.Second
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = 24 * time.Hour
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 5 * time.Minute
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = time.Minute
	}

	if c.Logs.MaxEntries == 0 {
		c.Logs.MaxEntries = 10000
	}
	if c.Logs.RetentionDays == 0 {
		c.Logs.RetentionDays = 30
	}
	if c.Logs.BufferSize == 0 {
		c.Logs.BufferSize = 1000
	}
	if c.Logs.Workers == 0 {
		c.Logs.Workers = 2
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dnsgate"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks the configuration for errors that must reject startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if !c.Server.UDPEnabled && !c.Server.TCPEnabled {
		return fmt.Errorf("at least one of UDP or TCP must be enabled")
	}

	if len(c.Resolver.Providers) == 0 {
		return fmt.Errorf("at least one upstream provider must be configured")
	}
	valid := map[string]bool{
		ProviderNextDNS: true, ProviderCloudflare: true, ProviderGoogle: true,
		ProviderOpenDNS: true, ProviderSystem: true,
	}
	for _, p := range c.Resolver.Providers {
		if !valid[p] {
			return fmt.Errorf("unknown provider: %s", p)
		}
	}
	switch c.Resolver.SecondaryDNS {
	case ProviderCloudflare, ProviderGoogle, ProviderOpenDNS:
	default:
		return fmt.Errorf("secondary_dns must be cloudflare, google or opendns, got %q", c.Resolver.SecondaryDNS)
	}
	if len(c.Resolver.Providers) == 1 && c.Resolver.Providers[0] == ProviderNextDNS &&
		c.Resolver.NextDNSConfigID == "" {
		return fmt.Errorf("nextdns is the only configured provider but nextdns_config_id is empty")
	}

	if err := validateDriver(ScopeLogs, c.Drivers.Logs, true); err != nil {
		return err
	}
	if err := validateDriver(ScopeCache, c.Drivers.Cache, false); err != nil {
		return err
	}
	if err := validateDriver(ScopeBlacklist, c.Drivers.Blacklist, false); err != nil {
		return err
	}
	if err := validateDriver(ScopeWhitelist, c.Drivers.Whitelist, false); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("logging.file_path must be set when output is 'file'")
		}
	default:
		return fmt.Errorf("invalid logging output: %s", c.Logging.Output)
	}

	return nil
}

func validateDriver(scope, name string, consoleOK bool) error {
	switch name {
	case DriverInMemory, DriverFile, DriverSQLite:
		return nil
	case DriverConsole:
		if consoleOK {
			return nil
		}
		return fmt.Errorf("drivers.%s: console driver is only valid for logs", scope)
	default:
		return fmt.Errorf("drivers.%s: unknown driver %q", scope, name)
	}
}
