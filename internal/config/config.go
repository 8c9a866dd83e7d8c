package config

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath      string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath  string `envconfig:"DATABASE_PATH" default:"/app/data/scout.db"`
	LogPath       string `envconfig:"LOG_PATH" default:""`
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:":8000"`
	EndpointsFile string `envconfig:"ENDPOINTS_FILE" default:"/app/data/endpoints.yaml"`
	APIToken      string `envconfig:"API_TOKEN" default:""`

	// Connection pool settings
	MaxPoolSize       int           `envconfig:"MAX_POOL_SIZE" default:"100"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`

	KnownHostsFile string `envconfig:"KNOWN_HOSTS_FILE" default:""`
	DefaultUser    string `envconfig:"DEFAULT_USER" default:"root"`
	MaxOutputSize  string `envconfig:"MAX_OUTPUT_SIZE" default:"1MB"`

	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

// Load reads settings from SCOUT_* environment variables and validates them.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("SCOUT", &s); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings that the pool and executor depend on.
func (s *Settings) Validate() error {
	if s.MaxPoolSize < 1 {
		return fmt.Errorf("config: MAX_POOL_SIZE must be at least 1, got %d", s.MaxPoolSize)
	}
	for name, d := range map[string]time.Duration{
		"IDLE_TIMEOUT":       s.IdleTimeout,
		"COMMAND_TIMEOUT":    s.CommandTimeout,
		"CONNECT_TIMEOUT":    s.ConnectTimeout,
		"KEEPALIVE_INTERVAL": s.KeepaliveInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if _, err := s.MaxOutputBytes(); err != nil {
		return err
	}
	return nil
}

// MaxOutputBytes parses MaxOutputSize ("1MB", "512KiB", ...) into bytes.
func (s *Settings) MaxOutputBytes() (int64, error) {
	n, err := units.RAMInBytes(s.MaxOutputSize)
	if err != nil {
		return 0, fmt.Errorf("config: invalid MAX_OUTPUT_SIZE %q: %w", s.MaxOutputSize, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: MAX_OUTPUT_SIZE must be positive, got %q", s.MaxOutputSize)
	}
	return n, nil
}

// ResolvedLogPath returns LogPath, falling back to scout.log under DataPath.
func (s *Settings) ResolvedLogPath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return s.DataPath + "/scout.log"
}
