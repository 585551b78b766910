package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Zero Trust Overlay Controller - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Overlay    OverlayConfig    `yaml:"overlay"`
	IPAM       IPAMConfig       `yaml:"ipam"`
	Trust      TrustConfig      `yaml:"trust"`
	Security   SecurityConfig   `yaml:"security"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Client     ClientConfig     `yaml:"client"`
	Instance   InstanceConfig   `yaml:"instance"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig points at the self-hosted Postgres instance backing the
// event store and table projections.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// OverlayConfig describes the WireGuard overlay network itself.
type OverlayConfig struct {
	CIDR        string `yaml:"cidr"`
	WGPort      int    `yaml:"wg_port"`
	HubEndpoint string `yaml:"hub_endpoint"`
	Interface   string `yaml:"interface"`
}

// IPAMConfig carries the pool boundaries within OverlayConfig.CIDR.
type IPAMConfig struct {
	NodePoolStart   int `yaml:"node_pool_start"`
	NodePoolEnd     int `yaml:"node_pool_end"`
	ClientPoolStart int `yaml:"client_pool_start"`
	ClientPoolEnd   int `yaml:"client_pool_end"`
	CooldownHours   int `yaml:"cooldown_hours"`
}

type TrustConfig struct {
	Weights    TrustWeights `yaml:"weights"`
	Thresholds TrustLevels  `yaml:"thresholds"`
}

type TrustWeights struct {
	RoleWeight     float64 `yaml:"role_weight"`
	DeviceHealth   float64 `yaml:"device_health"`
	Behavior       float64 `yaml:"behavior"`
	SecurityEvents float64 `yaml:"security_events"`
}

type TrustLevels struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// SecurityConfig for the Key/Token Manager (admin token, config tokens,
// HMAC-signed session tokens).
type SecurityConfig struct {
	AdminToken          string  `yaml:"admin_token"`
	HMACSecret          string  `yaml:"hmac_secret"`
	MasterSecret        string  `yaml:"master_secret"`
	SessionTokenTTLSec  int     `yaml:"session_token_ttl_sec"`
	KeyRotationGraceSec int     `yaml:"key_rotation_grace_sec"`
	CAESweepIntervalSec int     `yaml:"cae_sweep_interval_sec"`
	DriftThreshold      float64 `yaml:"drift_threshold"`
	TrustDropLimit      float64 `yaml:"trust_drop_limit"`
}

// EventBusConfig selects between the in-process bus and the Redis-backed
// cross-instance bus.
type EventBusConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Enabled   bool   `yaml:"enabled"`
}

type MonitoringConfig struct {
	PrometheusBind string `yaml:"prometheus_bind"`
}

// ClientConfig for Client Device provisioning defaults.
type ClientConfig struct {
	DefaultExpiresDays int `yaml:"default_expires_days"`
	MaxDevicesPerUser  int `yaml:"max_devices_per_user"`
}

// InstanceConfig identifies this Hub instance, mirroring the teacher's
// federation identity block for a would-be read-only secondary Hub.
type InstanceConfig struct {
	HubID  string `yaml:"hub_id"`
	Region string `yaml:"region"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides per §6 of the
// specification.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("HUB_API_PORT", c.Server.Port)
	c.Server.Env = getEnv("ZT_ENV", c.Server.Env)
	c.Server.Interface = getEnv("ZT_INTERFACE", c.Server.Interface)

	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)

	c.Overlay.CIDR = getEnv("OVERLAY_NETWORK", c.Overlay.CIDR)
	if v := getEnvInt("WG_PORT", 0); v > 0 {
		c.Overlay.WGPort = v
	}
	c.Overlay.HubEndpoint = getEnv("HUB_URL", c.Overlay.HubEndpoint)

	if v := getEnvInt("CLIENT_IP_POOL_START", 0); v > 0 {
		c.IPAM.ClientPoolStart = v
	}
	if v := getEnvInt("CLIENT_IP_POOL_END", 0); v > 0 {
		c.IPAM.ClientPoolEnd = v
	}

	c.Security.AdminToken = getEnv("ADMIN_SECRET", c.Security.AdminToken)
	c.Security.HMACSecret = getEnv("SECRET_KEY", c.Security.HMACSecret)
	c.Security.MasterSecret = getEnv("SECRET_KEY", c.Security.MasterSecret)
	if v := getEnvInt("SESSION_TOKEN_TTL_SEC", 0); v > 0 {
		c.Security.SessionTokenTTLSec = v
	}
	if v := getEnvFloat("DRIFT_THRESHOLD", 0); v > 0 {
		c.Security.DriftThreshold = v
	}
	if v := getEnvFloat("TRUST_DROP_LIMIT", 0); v > 0 {
		c.Security.TrustDropLimit = v
	}

	c.EventBus.RedisAddr = getEnv("REDIS_ADDR", c.EventBus.RedisAddr)
	c.EventBus.Enabled = getEnvBool("EVENT_BUS_REDIS_ENABLED", c.EventBus.Enabled)

	c.Monitoring.PrometheusBind = getEnv("PROMETHEUS_BIND", c.Monitoring.PrometheusBind)

	if v := getEnvInt("CLIENT_DEFAULT_EXPIRES_DAYS", 0); v > 0 {
		c.Client.DefaultExpiresDays = v
	}
	if v := getEnvInt("CLIENT_MAX_DEVICES_PER_USER", 0); v > 0 {
		c.Client.MaxDevicesPerUser = v
	}

	c.Instance.HubID = getEnv("ZT_HUB_ID", c.Instance.HubID)
	c.Instance.Region = getEnv("ZT_REGION", c.Instance.Region)

	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields,
// matching the values named throughout spec.md.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 10
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 30
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Overlay.CIDR == "" {
		c.Overlay.CIDR = "10.10.0.0/24"
	}
	if c.Overlay.WGPort == 0 {
		c.Overlay.WGPort = 51820
	}
	if c.Overlay.Interface == "" {
		c.Overlay.Interface = "wg0"
	}

	if c.IPAM.NodePoolStart == 0 {
		c.IPAM.NodePoolStart = 2
	}
	if c.IPAM.NodePoolEnd == 0 {
		c.IPAM.NodePoolEnd = 99
	}
	if c.IPAM.ClientPoolStart == 0 {
		c.IPAM.ClientPoolStart = 100
	}
	if c.IPAM.ClientPoolEnd == 0 {
		c.IPAM.ClientPoolEnd = 250
	}
	if c.IPAM.CooldownHours == 0 {
		c.IPAM.CooldownHours = 24
	}

	if c.Trust.Weights.RoleWeight == 0 {
		c.Trust.Weights.RoleWeight = 0.30
	}
	if c.Trust.Weights.DeviceHealth == 0 {
		c.Trust.Weights.DeviceHealth = 0.25
	}
	if c.Trust.Weights.Behavior == 0 {
		c.Trust.Weights.Behavior = 0.25
	}
	if c.Trust.Weights.SecurityEvents == 0 {
		c.Trust.Weights.SecurityEvents = 0.20
	}
	if c.Trust.Thresholds.Low == 0 {
		c.Trust.Thresholds.Low = 80
	}
	if c.Trust.Thresholds.Medium == 0 {
		c.Trust.Thresholds.Medium = 60
	}
	if c.Trust.Thresholds.High == 0 {
		c.Trust.Thresholds.High = 40
	}

	if c.Security.SessionTokenTTLSec == 0 {
		c.Security.SessionTokenTTLSec = 300
	}
	if c.Security.KeyRotationGraceSec == 0 {
		c.Security.KeyRotationGraceSec = 120
	}
	if c.Security.CAESweepIntervalSec == 0 {
		c.Security.CAESweepIntervalSec = 10
	}
	if c.Security.DriftThreshold == 0 {
		c.Security.DriftThreshold = 20
	}
	if c.Security.TrustDropLimit == 0 {
		c.Security.TrustDropLimit = 15
	}

	if c.Client.DefaultExpiresDays == 0 {
		c.Client.DefaultExpiresDays = 1
	}
	if c.Client.MaxDevicesPerUser == 0 {
		c.Client.MaxDevicesPerUser = 5
	}

	if c.Instance.HubID == "" {
		c.Instance.HubID = "zt-hub-local"
	}
	if c.Instance.Region == "" {
		c.Instance.Region = "default"
	}

	if c.Monitoring.PrometheusBind == "" {
		c.Monitoring.PrometheusBind = ":9090"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
