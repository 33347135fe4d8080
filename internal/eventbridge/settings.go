package eventbridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/stagegate/internal/config"
)

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8765
	DefaultMaxBodyBytes int64 = 64 << 10
	// DefaultHeartbeat is how often an idle event stream gets a comment line
	// so proxies keep it open.
	DefaultHeartbeat         = 15 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultIdleTimeout       = 60 * time.Second

	EnvBridgeEnabled = "STAGEGATE_BRIDGE_ENABLED"
	EnvBridgeHost    = "STAGEGATE_BRIDGE_HOST"
	EnvBridgePort    = "STAGEGATE_BRIDGE_PORT"
)

// Settings controls the HTTP bridge. Zero limits and durations are replaced
// with defaults by NewServer; Port 0 binds an ephemeral port.
type Settings struct {
	Enabled           bool
	Host              string
	Port              int
	MaxBodyBytes      int64
	Heartbeat         time.Duration
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// DefaultSettings returns a disabled bridge on the loopback interface.
func DefaultSettings() Settings {
	return Settings{
		Host:              DefaultHost,
		Port:              DefaultPort,
		MaxBodyBytes:      DefaultMaxBodyBytes,
		Heartbeat:         DefaultHeartbeat,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
}

// SettingsFromConfig layers the project's bridge section and then the
// STAGEGATE_BRIDGE_* variables over DefaultSettings. Values that do not
// parse are ignored.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg != nil {
		bridge := cfg.Project.Bridge
		if bridge.Enabled != nil {
			s.Enabled = *bridge.Enabled
		}
		s.setHost(bridge.Host)
		s.setPort(bridge.Port)
	}
	s.applyEnv(os.LookupEnv)
	return s
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) {
	if raw, ok := lookup(EnvBridgeEnabled); ok {
		if enabled, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			s.Enabled = enabled
		}
	}
	if raw, ok := lookup(EnvBridgeHost); ok {
		s.setHost(raw)
	}
	if raw, ok := lookup(EnvBridgePort); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			s.setPort(port)
		}
	}
}

func (s *Settings) setHost(host string) {
	if host = strings.TrimSpace(host); host != "" {
		s.Host = host
	}
}

func (s *Settings) setPort(port int) {
	if port > 0 && port <= 65535 {
		s.Port = port
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if strings.TrimSpace(s.Host) == "" {
		s.Host = def.Host
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = def.MaxBodyBytes
	}
	if s.Heartbeat <= 0 {
		s.Heartbeat = def.Heartbeat
	}
	if s.ReadHeaderTimeout <= 0 {
		s.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = def.IdleTimeout
	}
	return s
}

// Address is the bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the base URL clients use when the server binds Address.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
