package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's YAML configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	Hostname string `yaml:"hostname"`
	HooksDir string `yaml:"hooks_dir"`
	// HookTimeout bounds one hook run, in seconds. Zero disables the bound.
	HookTimeout int    `yaml:"hook_timeout"`
	Token       string `yaml:"token"`
	TLS         struct {
		Cert     string `yaml:"cert"`
		Key      string `yaml:"key"`
		ClientCA string `yaml:"client_ca"`
	} `yaml:"tls"`
}

func DefaultConfig() Config {
	return Config{Addr: ":8088", HooksDir: "/usr/lib/knot/hooks"}
}

// LoadConfig reads path over the defaults. An empty path or a missing file
// yields the defaults. KNOT_AGENT_TOKEN overrides the token.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read agent config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse agent config: %w", err)
			}
		}
	}
	if t := os.Getenv("KNOT_AGENT_TOKEN"); t != "" {
		cfg.Token = t
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return cfg, nil
}

// Runner returns the hook runner described by the configuration.
func (c Config) Runner() HookRunner {
	return HookRunner{Dir: c.HooksDir, Timeout: time.Duration(c.HookTimeout) * time.Second}
}
