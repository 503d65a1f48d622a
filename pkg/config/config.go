// Package config defines the server configuration: the typed structs a
// running server consults, their defaults, validation, and the viper
// loader that reads them from a YAML file plus REEF_-prefixed
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// BindAddress is the listen address; empty means every interface.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// Port serves NFS, MOUNT, and NLM. Default 2049.
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// PortmapPort serves the portmapper. Default 111; ports below 1024
	// require privilege.
	PortmapPort int `mapstructure:"portmap_port" validate:"min=0,max=65535" yaml:"portmap_port"`

	// EnableTCP/EnableUDP select transports; at least one must be on.
	EnableTCP bool `mapstructure:"enable_tcp" yaml:"enable_tcp"`
	EnableUDP bool `mapstructure:"enable_udp" yaml:"enable_udp"`

	// EnableNFSv2/v3/v4 gate the protocol versions the dispatcher
	// routes.
	EnableNFSv2 bool `mapstructure:"enable_nfsv2" yaml:"enable_nfsv2"`
	EnableNFSv3 bool `mapstructure:"enable_nfsv3" yaml:"enable_nfsv3"`
	EnableNFSv4 bool `mapstructure:"enable_nfsv4" yaml:"enable_nfsv4"`

	// MaxConnections bounds concurrent connections and in-flight calls.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// ReadSize/WriteSize cap per-call transfer sizes.
	ReadSize  uint32 `mapstructure:"read_size" yaml:"read_size"`
	WriteSize uint32 `mapstructure:"write_size" yaml:"write_size"`

	// ConnectionTimeout closes idle TCP connections.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`

	// SessionTimeout bounds GSS session lifetime.
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`

	// Squash policy applied by the security manager.
	RootSquash bool   `mapstructure:"root_squash" yaml:"root_squash"`
	AllSquash  bool   `mapstructure:"all_squash" yaml:"all_squash"`
	AnonUID    uint32 `mapstructure:"anon_uid" yaml:"anon_uid"`
	AnonGID    uint32 `mapstructure:"anon_gid" yaml:"anon_gid"`

	// SecurityMode lists the enabled auth flavors: any of
	// "none", "sys", "dh", "krb5", comma separated.
	SecurityMode string `mapstructure:"security_mode" yaml:"security_mode"`

	// AnonymousAccess permits AUTH_NONE calls.
	AnonymousAccess bool `mapstructure:"anonymous_access" yaml:"anonymous_access"`

	// CacheEnabled/CacheTTL control the attribute cache.
	CacheEnabled bool          `mapstructure:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// AuditLogFile is the append-only audit sink; empty keeps the ring
	// only.
	AuditLogFile string `mapstructure:"audit_log_file" yaml:"audit_log_file,omitempty"`

	// LockLease bounds granted byte-range locks.
	LockLease time.Duration `mapstructure:"lock_lease" yaml:"lock_lease"`

	// GracePeriod rejects fresh NLM locks after startup so clients can
	// reclaim.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`

	// Exports lists the served subtrees. At least one is required.
	Exports []ExportConfig `mapstructure:"exports" validate:"required,min=1,dive" yaml:"exports"`

	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Kerberos  KerberosConfig  `mapstructure:"kerberos" yaml:"kerberos"`
}

// ExportConfig is one exported subtree.
type ExportConfig struct {
	// Name is the mount path clients use, e.g. "/export".
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// Path is the host directory backing the export.
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// ReadOnly rejects all mutating procedures.
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`

	// ClientPattern is a string-prefix client match; empty admits all.
	ClientPattern string `mapstructure:"client_pattern" yaml:"client_pattern,omitempty"`
}

// LoggingConfig selects log level, format, and destination.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig selects the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`
}

// ProfilingConfig selects the continuous profiler.
type ProfilingConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	ServerURL string `mapstructure:"server_url" yaml:"server_url,omitempty"`
}

// AdminConfig selects the admin/metrics HTTP endpoint.
type AdminConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Port      int    `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
}

// KerberosConfig selects RPCSEC_GSS with a service keytab.
type KerberosConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	KeytabPath       string `mapstructure:"keytab_path" yaml:"keytab_path,omitempty"`
	ServicePrincipal string `mapstructure:"service_principal" yaml:"service_principal,omitempty"`

	// Identities maps principals to Unix identities.
	Identities map[string]KerberosIdentity `mapstructure:"identities" yaml:"identities,omitempty"`
}

// KerberosIdentity is the Unix mapping for one principal.
type KerberosIdentity struct {
	UID  uint32   `mapstructure:"uid" yaml:"uid"`
	GID  uint32   `mapstructure:"gid" yaml:"gid"`
	GIDs []uint32 `mapstructure:"gids" yaml:"gids,omitempty"`
}

// Default returns a configuration with every field defaulted and a
// single placeholder export.
func Default() *Config {
	cfg := &Config{
		Exports: []ExportConfig{{Name: "/export", Path: "/srv/reef"}},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 2049
	}
	if cfg.PortmapPort == 0 {
		cfg.PortmapPort = 111
	}
	if !cfg.EnableTCP && !cfg.EnableUDP {
		cfg.EnableTCP = true
		cfg.EnableUDP = true
	}
	if !cfg.EnableNFSv2 && !cfg.EnableNFSv3 && !cfg.EnableNFSv4 {
		cfg.EnableNFSv2 = true
		cfg.EnableNFSv3 = true
		cfg.EnableNFSv4 = true
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 256
	}
	if cfg.ReadSize == 0 {
		cfg.ReadSize = 1 << 20
	}
	if cfg.WriteSize == 0 {
		cfg.WriteSize = 1 << 20
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 300 * time.Second
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = time.Hour
	}
	if cfg.SecurityMode == "" {
		cfg.SecurityMode = "sys"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Second
		cfg.CacheEnabled = true
	}
	if cfg.LockLease == 0 {
		cfg.LockLease = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8080
	}
}

// Flavors parses SecurityMode into the individual flavor switches.
func (c *Config) Flavors() (none, sys, dh, krb5 bool) {
	for _, f := range strings.Split(c.SecurityMode, ",") {
		switch strings.TrimSpace(f) {
		case "none":
			none = true
		case "sys":
			sys = true
		case "dh":
			dh = true
		case "krb5":
			krb5 = true
		}
	}
	return
}

var structValidator = validator.New()

// Validate applies the struct tags plus the cross-field rules.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.EnableTCP && !cfg.EnableUDP {
		return fmt.Errorf("config: at least one of enable_tcp/enable_udp is required")
	}
	if !cfg.EnableNFSv2 && !cfg.EnableNFSv3 && !cfg.EnableNFSv4 {
		return fmt.Errorf("config: at least one NFS version must be enabled")
	}

	_, sys, _, krb5 := cfg.Flavors()
	if !sys && !krb5 && !cfg.AnonymousAccess {
		return fmt.Errorf("config: security_mode %q leaves no usable flavor", cfg.SecurityMode)
	}
	if krb5 && (!cfg.Kerberos.Enabled || cfg.Kerberos.KeytabPath == "") {
		return fmt.Errorf("config: krb5 flavor requires kerberos.enabled and a keytab path")
	}

	seen := make(map[string]bool, len(cfg.Exports))
	for i, e := range cfg.Exports {
		if seen[e.Name] {
			return fmt.Errorf("config: exports[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// Load reads the config file at path (or the default location when
// empty), layers REEF_ environment variables over it, applies defaults,
// and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultConfigDir())
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
			// No file: run on defaults plus environment.
		}
	}

	cfg := &Config{}
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
	if err := v.Unmarshal(cfg, decode); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultConfigDir is where Load looks without an explicit path.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "reef")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "reef")
}

// DefaultConfigPath is the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
