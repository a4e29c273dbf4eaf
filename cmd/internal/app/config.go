package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/realtime"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnvKey names the optional YAML file that supplies base values.
const ConfigFileEnvKey = "TETHER_CONFIG_FILE"

// Config contains all runtime configuration.
//
// Precedence: defaults, then the YAML file named by TETHER_CONFIG_FILE, then
// TETHER_* environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"http_read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"http_read_timeout"`
	WriteTimeout      time.Duration `yaml:"http_write_timeout"`
	IdleTimeout       time.Duration `yaml:"http_idle_timeout"`
	MaxHeaderBytes    int           `yaml:"http_max_header_bytes"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`
	DBSchema    string `yaml:"db_schema"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	// MaxBranchSizeBytes caps each branch log. 0 means unlimited.
	MaxBranchSizeBytes int64 `yaml:"max_branch_size_bytes"`
	CompactOnOverflow  bool  `yaml:"compact_on_overflow"`

	WSDevInsecure       bool          `yaml:"ws_dev_insecure"`
	WSOriginRequired    bool          `yaml:"ws_origin_required"`
	WSAllowedOrigins    []string      `yaml:"ws_allowed_origins"`
	WSSendQueueSize     int           `yaml:"ws_send_queue_size"`
	WSWriteTimeout      time.Duration `yaml:"ws_write_timeout"`
	WSReadIdleTimeout   time.Duration `yaml:"ws_read_idle_timeout"`
	WSHeartbeatInterval time.Duration `yaml:"ws_heartbeat_interval"`
	WSHeartbeatTimeout  time.Duration `yaml:"ws_heartbeat_timeout"`
	WSRateEvents        int           `yaml:"ws_rate_events"`
	WSRateWindow        time.Duration `yaml:"ws_rate_window"`

	// WSRequireAuth rejects anonymous logins.
	WSRequireAuth        bool          `yaml:"ws_require_auth"`
	AuthIssuer           string        `yaml:"auth_issuer"`
	AuthClockSkew        time.Duration `yaml:"auth_clock_skew"`
	PasetoV4PublicKeyHex string        `yaml:"paseto_v4_public_key_hex"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	// Security policy:
	// If true, TETHER_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) so token fingerprints are keyed.
	RequireTokenHMAC bool `yaml:"require_token_hmac"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	gw := realtime.DefaultGatewayConfig()
	sess := session.DefaultConfig()

	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 10,
		DBSchema:   "tether",

		WSOriginRequired:    gw.OriginRequired,
		WSAllowedOrigins:    gw.AllowedOrigins,
		WSSendQueueSize:     gw.SendQueueSize,
		WSWriteTimeout:      gw.WriteTimeout,
		WSReadIdleTimeout:   gw.ReadIdleTimeout,
		WSHeartbeatInterval: gw.HeartbeatInterval,
		WSHeartbeatTimeout:  gw.HeartbeatTimeout,
		WSRateEvents:        gw.RateEvents,
		WSRateWindow:        gw.RateWindow,

		AuthIssuer:    sess.Issuer,
		AuthClockSkew: sess.ClockSkew,

		MetricsEnabled: true,
	}
}

// LoadConfig builds Config from defaults, the optional YAML file and env.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString(ConfigFileEnvKey, ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	// #nosec G304 -- path comes from operator-controlled environment.
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return parseConfigYAML(b, cfg)
}

// parseConfigYAML overlays YAML values on cfg. Unknown keys are rejected.
func parseConfigYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("TETHER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("TETHER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("TETHER_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("TETHER_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("TETHER_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("TETHER_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("TETHER_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("TETHER_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("TETHER_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("TETHER_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("TETHER_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("TETHER_DB_SCHEMA", cfg.DBSchema)

	cfg.ReadinessRequireDB = EnvBool("TETHER_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.MaxBranchSizeBytes = EnvInt64("TETHER_MAX_BRANCH_SIZE_BYTES", cfg.MaxBranchSizeBytes)
	cfg.CompactOnOverflow = EnvBool("TETHER_COMPACT_ON_OVERFLOW", cfg.CompactOnOverflow)

	cfg.WSDevInsecure = EnvBool("TETHER_WS_DEV_INSECURE", cfg.WSDevInsecure)
	cfg.WSOriginRequired = EnvBool("TETHER_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSAllowedOrigins = EnvCSV("TETHER_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSSendQueueSize = EnvInt("TETHER_WS_SEND_QUEUE", cfg.WSSendQueueSize)
	cfg.WSWriteTimeout = EnvDuration("TETHER_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadIdleTimeout = EnvDuration("TETHER_WS_READ_IDLE_TIMEOUT", cfg.WSReadIdleTimeout)
	cfg.WSHeartbeatInterval = EnvDuration("TETHER_WS_HEARTBEAT_INTERVAL", cfg.WSHeartbeatInterval)
	cfg.WSHeartbeatTimeout = EnvDuration("TETHER_WS_HEARTBEAT_TIMEOUT", cfg.WSHeartbeatTimeout)
	cfg.WSRateEvents = EnvInt("TETHER_WS_RATE_EVENTS", cfg.WSRateEvents)
	cfg.WSRateWindow = EnvDuration("TETHER_WS_RATE_WINDOW", cfg.WSRateWindow)

	cfg.WSRequireAuth = EnvBool("TETHER_WS_REQUIRE_AUTH", cfg.WSRequireAuth)
	cfg.AuthIssuer = EnvString("TETHER_AUTH_ISSUER", cfg.AuthIssuer)
	cfg.AuthClockSkew = EnvDuration("TETHER_AUTH_CLOCK_SKEW", cfg.AuthClockSkew)
	cfg.PasetoV4PublicKeyHex = EnvString("TETHER_PASETO_V4_PUBLIC_KEY_HEX", cfg.PasetoV4PublicKeyHex)

	cfg.MetricsEnabled = EnvBool("TETHER_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.RequireTokenHMAC = EnvBool("TETHER_REQUIRE_TOKEN_HMAC", cfg.RequireTokenHMAC)
}

// GatewayConfig projects the websocket settings.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}

// SessionConfig projects the connection-token settings.
func (c Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.Issuer = c.AuthIssuer
	if c.AuthClockSkew > 0 {
		sc.ClockSkew = c.AuthClockSkew
	}
	sc.PasetoV4PublicKeyHex = c.PasetoV4PublicKeyHex
	return sc
}

// TokenVerificationEnabled reports whether connection tokens can be verified.
func (c Config) TokenVerificationEnabled() bool {
	return strings.TrimSpace(c.PasetoV4PublicKeyHex) != ""
}
