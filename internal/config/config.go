package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway configuration.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Node        NodeConfig
	Coordinator CoordinatorConfig
	Comm        CommConfig
	Discovery   DiscoveryConfig
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	// TLS Configuration
	TLSEnabled  bool
	TLSCertFile string // PEM certificate
	TLSKeyFile  string // PEM private key
}

type LogConfig struct {
	Level  string
	Format string
}

// NodeConfig is the identity announced to coordinators and workers at registration.
type NodeConfig struct {
	Host string
	Port int
}

type CoordinatorConfig struct {
	Addresses   []string // host:port, in failover order
	AlertAction bool
}

type CommConfig struct {
	ConnsPerPool      int
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	QueryTimeout      time.Duration
	TimeoutLeeway     float64
	IdlePing          time.Duration
	TimeoutSweep      time.Duration
}

type DiscoveryConfig struct {
	CoordinatorInterval   time.Duration
	WorkerInterval        time.Duration
	FailoverCheckInterval time.Duration
	FailoverUnreachable   time.Duration
	StartupGrace          time.Duration
}

// MaxConnsPerPool bounds comm.conns_per_pool.
const MaxConnsPerPool = 64

// Load reads defaults, an optional gateway.toml and GYEETA_* environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GYEETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gateway")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gyeeta/")
	v.AddConfigPath("$HOME/.gyeeta/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	seconds := func(key string) time.Duration {
		return time.Duration(v.GetFloat64(key) * float64(time.Second))
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
			TLSEnabled:   v.GetBool("server.tls_enabled"),
			TLSCertFile:  v.GetString("server.tls_cert_file"),
			TLSKeyFile:   v.GetString("server.tls_key_file"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Node: NodeConfig{
			Host: v.GetString("node.host"),
			Port: v.GetInt("node.port"),
		},
		Coordinator: CoordinatorConfig{
			Addresses:   splitAddresses(v.GetStringSlice("coordinator.addresses")),
			AlertAction: v.GetBool("coordinator.alert_action"),
		},
		Comm: CommConfig{
			ConnsPerPool:      v.GetInt("comm.conns_per_pool"),
			ConnectTimeout:    seconds("comm.connect_timeout_sec"),
			ReconnectInterval: seconds("comm.reconnect_interval_sec"),
			QueryTimeout:      seconds("comm.query_timeout_sec"),
			TimeoutLeeway:     v.GetFloat64("comm.timeout_leeway"),
			IdlePing:          seconds("comm.idle_ping_sec"),
			TimeoutSweep:      seconds("comm.timeout_sweep_sec"),
		},
		Discovery: DiscoveryConfig{
			CoordinatorInterval:   seconds("discovery.coordinator_interval_sec"),
			WorkerInterval:        seconds("discovery.worker_interval_sec"),
			FailoverCheckInterval: seconds("discovery.failover_check_interval_sec"),
			FailoverUnreachable:   seconds("discovery.failover_unreachable_sec"),
			StartupGrace:          seconds("discovery.startup_grace_sec"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Status server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 10039)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("node.host", defaultNodeHost())
	v.SetDefault("node.port", 10039)

	v.SetDefault("coordinator.addresses", []string{})
	v.SetDefault("coordinator.alert_action", false)

	// Peer connections
	v.SetDefault("comm.conns_per_pool", 8)
	v.SetDefault("comm.connect_timeout_sec", 3)
	v.SetDefault("comm.reconnect_interval_sec", 30)
	v.SetDefault("comm.query_timeout_sec", 100)
	v.SetDefault("comm.timeout_leeway", 5)
	v.SetDefault("comm.idle_ping_sec", 300)
	v.SetDefault("comm.timeout_sweep_sec", 300)

	// Topology discovery and failover
	v.SetDefault("discovery.coordinator_interval_sec", 30)
	v.SetDefault("discovery.worker_interval_sec", 60)
	v.SetDefault("discovery.failover_check_interval_sec", 60)
	v.SetDefault("discovery.failover_unreachable_sec", 300)
	v.SetDefault("discovery.startup_grace_sec", 120)
}

func defaultNodeHost() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// splitAddresses accepts both a TOML array and the comma or space separated
// form an environment variable produces.
func splitAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, strings.TrimSpace(part))
		}
	}
	return out
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	if len(c.Coordinator.Addresses) == 0 {
		return errors.New("coordinator.addresses must list at least one host:port")
	}
	for _, addr := range c.Coordinator.Addresses {
		if err := validateHostPort(addr); err != nil {
			return fmt.Errorf("invalid coordinator address %q: %w", addr, err)
		}
	}

	if c.Node.Host == "" {
		return errors.New("node.host must not be empty")
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port %d out of range", c.Node.Port)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Comm.ConnsPerPool < 1 || c.Comm.ConnsPerPool > MaxConnsPerPool {
		return fmt.Errorf("comm.conns_per_pool must be between 1 and %d, got %d", MaxConnsPerPool, c.Comm.ConnsPerPool)
	}
	if c.Comm.TimeoutLeeway < 0 {
		return fmt.Errorf("comm.timeout_leeway must not be negative, got %v", c.Comm.TimeoutLeeway)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"comm.connect_timeout_sec", c.Comm.ConnectTimeout},
		{"comm.reconnect_interval_sec", c.Comm.ReconnectInterval},
		{"comm.query_timeout_sec", c.Comm.QueryTimeout},
		{"comm.idle_ping_sec", c.Comm.IdlePing},
		{"comm.timeout_sweep_sec", c.Comm.TimeoutSweep},
		{"discovery.coordinator_interval_sec", c.Discovery.CoordinatorInterval},
		{"discovery.worker_interval_sec", c.Discovery.WorkerInterval},
		{"discovery.failover_check_interval_sec", c.Discovery.FailoverCheckInterval},
		{"discovery.failover_unreachable_sec", c.Discovery.FailoverUnreachable},
		{"discovery.startup_grace_sec", c.Discovery.StartupGrace},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}

	return c.Server.ValidateTLS()
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("empty host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("bad port %q", port)
	}
	return nil
}

// ValidateTLS checks that the certificate and key exist when TLS is on.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}
	if cfg.TLSCertFile == "" {
		return errors.New("server.tls_cert_file is required when TLS is enabled")
	}
	if cfg.TLSKeyFile == "" {
		return errors.New("server.tls_key_file is required when TLS is enabled")
	}
	for _, f := range []struct{ key, path string }{
		{"server.tls_cert_file", cfg.TLSCertFile},
		{"server.tls_key_file", cfg.TLSKeyFile},
	} {
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("%s %q: %w", f.key, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s %q is a directory", f.key, f.path)
		}
	}
	return nil
}
