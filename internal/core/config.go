package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/knot/internal/dispatch"
	"gopkg.in/yaml.v3"
)

// Config is the knot configuration file.
type Config struct {
	Auth     AuthConfig     `yaml:"auth"`
	Billing  BillingConfig  `yaml:"billing"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	VMs      VMConfig       `yaml:"vms"`
	Stats    StatsConfig    `yaml:"stats"`
	Sync     SyncConfig     `yaml:"sync"`
	Store    StoreConfig    `yaml:"store"`
	Agent    AgentConfig    `yaml:"agent"`
	SSH      SSHConfig      `yaml:"ssh"`
	Audit    AuditConfig    `yaml:"audit"`
	Server   ServerConfig   `yaml:"server"`
}

type AuthConfig struct {
	BillableGroup string `yaml:"billable_group"`
	// BillingTimeout is the credit cooldown in seconds.
	BillingTimeout int `yaml:"billing_timeout"`
}

type BillingConfig struct {
	URL               string  `yaml:"url"`
	Token             string  `yaml:"token"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type DispatchConfig struct {
	Executor            string            `yaml:"executor"`
	Overrides           map[string]string `yaml:"overrides"`
	HardTimeout         int               `yaml:"hard_timeout"`
	TimeoutBlacklist    bool              `yaml:"timeout_blacklist"`
	TimeoutBlacklistTTL int               `yaml:"timeout_blacklist_ttl"`
	TimeoutWhitelist    []string          `yaml:"timeout_whitelist"`
	Workers             int               `yaml:"workers"`
	PollIntervalMS      int               `yaml:"poll_interval_ms"`
	PollDeadline        int               `yaml:"poll_deadline"`
	Transport           string            `yaml:"transport"`
}

type VMConfig struct {
	AutoAllocate  bool `yaml:"auto_allocate"`
	CreateDelayMS int  `yaml:"create_delay_ms"`
}

type StatsConfig struct {
	OnlyReportOnSync bool `yaml:"only_report_on_sync"`
}

// SyncConfig sets the background loops of `knot serve`, in seconds. Zero
// disables a loop.
type SyncConfig struct {
	Interval        int `yaml:"interval"`
	MetricsInterval int `yaml:"metrics_interval"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type AgentConfig struct {
	Port   int       `yaml:"port"`
	Scheme string    `yaml:"scheme"`
	Token  string    `yaml:"token"`
	TLS    TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type SSHConfig struct {
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	Port       int    `yaml:"port"`
}

type AuditConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the configuration used for keys absent from the file.
func DefaultConfig() Config {
	return Config{
		Auth:    AuthConfig{BillableGroup: "users", BillingTimeout: 60},
		Billing: BillingConfig{TimeoutSeconds: 10, RequestsPerSecond: 5},
		Dispatch: DispatchConfig{
			Executor:            string(dispatch.StrategySync),
			HardTimeout:         15,
			TimeoutBlacklist:    true,
			TimeoutBlacklistTTL: 60,
			Workers:             16,
			PollIntervalMS:      100,
			Transport:           "http",
		},
		VMs:    VMConfig{AutoAllocate: true, CreateDelayMS: 2000},
		Sync:   SyncConfig{Interval: 10, MetricsInterval: 60},
		Store:  StoreConfig{Path: filepath.Join(ConfigDir(), "knot.db")},
		Agent:  AgentConfig{Port: 8088, Scheme: "http"},
		SSH:    SSHConfig{User: "root", Port: 22},
		Audit:  AuditConfig{Subject: "knot.audit"},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// ConfigDir resolves $XDG_CONFIG_HOME/knot or ~/.config/knot.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "knot")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves config.yaml inside ConfigDir. A missing file yields defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("open config: %w", err)
	default:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Tokens may live in secrets.env next to the config instead of the YAML.
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	for _, key := range []string{"KNOT_AGENT_TOKEN", "KNOT_BILLING_TOKEN"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if t := secrets["KNOT_AGENT_TOKEN"]; t != "" {
		cfg.Agent.Token = t
	}
	if t := secrets["KNOT_BILLING_TOKEN"]; t != "" {
		cfg.Billing.Token = t
	}
	return cfg, nil
}

// DispatchSettings converts the dispatch section into dispatcher and
// failure tracker settings.
func (c Config) DispatchSettings() (dispatch.Config, dispatch.TrackerConfig, error) {
	d := c.Dispatch
	def, err := dispatch.ParseStrategy(d.Executor)
	if err != nil {
		return dispatch.Config{}, dispatch.TrackerConfig{}, err
	}
	overrides := make(map[dispatch.Operation]dispatch.Strategy, len(d.Overrides))
	for name, s := range d.Overrides {
		op, err := dispatch.ParseOperation(name)
		if err != nil {
			return dispatch.Config{}, dispatch.TrackerConfig{}, fmt.Errorf("dispatch.overrides: %w", err)
		}
		strategy, err := dispatch.ParseStrategy(s)
		if err != nil {
			return dispatch.Config{}, dispatch.TrackerConfig{}, fmt.Errorf("dispatch.overrides.%s: %w", name, err)
		}
		overrides[op] = strategy
	}
	dc := dispatch.Config{
		Default:      def,
		Overrides:    overrides,
		HardTimeout:  time.Duration(d.HardTimeout) * time.Second,
		PollInterval: time.Duration(d.PollIntervalMS) * time.Millisecond,
		PollDeadline: time.Duration(d.PollDeadline) * time.Second,
		Workers:      d.Workers,
	}
	tc := dispatch.TrackerConfig{
		Enabled:   d.TimeoutBlacklist,
		TTL:       time.Duration(d.TimeoutBlacklistTTL) * time.Second,
		Whitelist: d.TimeoutWhitelist,
	}
	return dc, tc, nil
}

// CreateDelay is the pause before a creation dispatch.
func (c VMConfig) CreateDelay() time.Duration {
	return time.Duration(c.CreateDelayMS) * time.Millisecond
}
