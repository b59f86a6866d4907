package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/policy"
)

type ServerConfig struct {
	Address        string   `mapstructure:"address"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// RateLimit is the number of API requests allowed per client IP per minute.
	RateLimit int `mapstructure:"rate_limit"`
}

type RuntimeConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	Image         string        `mapstructure:"image"`
	Shell         []string      `mapstructure:"shell"`
	User          string        `mapstructure:"user"`
	Instance      string        `mapstructure:"instance"`
	EgressNetwork string        `mapstructure:"egress_network"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	TmpSizeMB     int64         `mapstructure:"tmp_size_mb"`
	PullImage     bool          `mapstructure:"pull_image"`
}

type SessionsConfig struct {
	IdleThreshold      time.Duration `mapstructure:"idle_threshold"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	MaxTeardownRetries int           `mapstructure:"max_teardown_retries"`
	OrphanSweepEvery   int           `mapstructure:"orphan_sweep_every"`
	// CreateRate is session creations allowed per user per minute.
	CreateRate    float64       `mapstructure:"create_rate"`
	CreateBurst   int           `mapstructure:"create_burst"`
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`
}

type TokenConfig struct {
	Token string `mapstructure:"token"`
	User  string `mapstructure:"user"`
}

type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens"`
	// Token and User add a single entry, convenient from the environment.
	Token string `mapstructure:"token"`
	User  string `mapstructure:"user"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type Config struct {
	Server       ServerConfig              `mapstructure:"server"`
	Runtime      RuntimeConfig             `mapstructure:"runtime"`
	Sessions     SessionsConfig            `mapstructure:"sessions"`
	Profiles     map[string]policy.Profile `mapstructure:"profiles"`
	ProfilesFile string                    `mapstructure:"profiles_file"`
	Auth         AuthConfig                `mapstructure:"auth"`
	Storage      StorageConfig             `mapstructure:"storage"`
	Log          LogConfig                 `mapstructure:"log"`
}

// Load reads pocket.yaml from path, or from the standard locations when
// path is empty, and applies POCKET_* environment overrides. A missing
// config file is only an error when path names it explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pocket")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pocket")
		v.AddConfigPath("/etc/pocket")
	}

	v.SetEnvPrefix("POCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in tokens
	for i, t := range cfg.Auth.Tokens {
		cfg.Auth.Tokens[i].Token = expandEnv(t.Token)
	}
	cfg.Auth.Token = expandEnv(cfg.Auth.Token)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 120)

	v.SetDefault("runtime.endpoint", "")
	v.SetDefault("runtime.image", "alpine:3.20")
	v.SetDefault("runtime.shell", []string{"/bin/sh", "-l"})
	v.SetDefault("runtime.user", "65534:65534")
	v.SetDefault("runtime.instance", defaultInstance())
	v.SetDefault("runtime.egress_network", "pocket-egress")
	v.SetDefault("runtime.stop_grace", 5*time.Second)
	v.SetDefault("runtime.health_timeout", 2*time.Second)
	v.SetDefault("runtime.tmp_size_mb", 64)
	v.SetDefault("runtime.pull_image", true)

	v.SetDefault("sessions.idle_threshold", 30*time.Minute)
	v.SetDefault("sessions.max_concurrent", 32)
	v.SetDefault("sessions.reap_interval", 15*time.Second)
	v.SetDefault("sessions.max_teardown_retries", 5)
	v.SetDefault("sessions.orphan_sweep_every", 20)
	v.SetDefault("sessions.create_rate", 10.0)
	v.SetDefault("sessions.create_burst", 3)
	v.SetDefault("sessions.cancel_timeout", 5*time.Second)

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user", "")
	v.SetDefault("profiles_file", "")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".pocket", "pocket.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "default"
	}
	return host
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Sessions.IdleThreshold <= 0 {
		errs = append(errs, errors.New("sessions.idle_threshold must be positive"))
	}
	if c.Sessions.ReapInterval <= 0 {
		errs = append(errs, errors.New("sessions.reap_interval must be positive"))
	}
	if c.Sessions.ReapInterval > c.Sessions.IdleThreshold {
		errs = append(errs, errors.New("sessions.reap_interval must not exceed sessions.idle_threshold"))
	}
	if c.Sessions.MaxConcurrent < 0 {
		errs = append(errs, errors.New("sessions.max_concurrent must not be negative"))
	}
	if c.Sessions.CreateRate < 0 || c.Sessions.CreateBurst < 0 {
		errs = append(errs, errors.New("sessions.create_rate and create_burst must not be negative"))
	}
	if c.Runtime.Instance == "" {
		errs = append(errs, errors.New("runtime.instance must be set"))
	}
	if len(c.TokenTable()) == 0 {
		errs = append(errs, errors.New("auth: at least one token is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// TokenTable returns the token -> user table.
func (c *Config) TokenTable() map[string]string {
	table := make(map[string]string)
	for _, t := range c.Auth.Tokens {
		if t.Token != "" {
			table[t.Token] = t.User
		}
	}
	if c.Auth.Token != "" {
		user := c.Auth.User
		if user == "" {
			user = "default"
		}
		table[c.Auth.Token] = user
	}
	return table
}

// ResolveProfiles returns the resource profile table: the profiles file
// when set, else the inline profiles, else the built-in defaults.
func (c *Config) ResolveProfiles() (map[string]policy.Profile, error) {
	if c.ProfilesFile != "" {
		return policy.LoadProfiles(c.ProfilesFile)
	}
	if len(c.Profiles) > 0 {
		return c.Profiles, nil
	}
	return policy.DefaultProfiles(), nil
}
