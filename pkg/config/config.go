package config

import (
	"fmt"
	"os"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	InternalConfig InternalConfig `yaml:"internal,omitempty"`
	Setting        SettingConfig  `yaml:"settings,omitempty"`
	Original       string         `yaml:"-"`
	Configpath     string         `yaml:"-"`
}

type SettingConfig struct {
	Queues []QueueConfig `yaml:"queues,omitempty"`
	Policy PolicyConfig  `yaml:"policy,omitempty"`
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(string(content))
	if err != nil {
		return nil, err
	}
	cfg.Configpath = filename
	return cfg, nil
}

// Load parses the YAML input s into a Config. Defaults are applied to every
// field the input leaves unset, then the result is validated.
func Load(s string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	err := yaml.Unmarshal([]byte(s), cfg)
	if err != nil {
		return nil, err
	}
	for i := range cfg.Setting.Queues {
		defaults.SetDefaults(&cfg.Setting.Queues[i])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Original = s
	return cfg, nil
}

// Validate checks cross-field constraints that yaml decoding cannot.
func (c *Config) Validate() error {
	if len(c.Setting.Queues) == 0 {
		return fmt.Errorf("no queues configured")
	}
	seen := make(map[uint16]bool, len(c.Setting.Queues))
	for _, q := range c.Setting.Queues {
		if seen[q.Number] {
			return fmt.Errorf("queue %d configured twice", q.Number)
		}
		seen[q.Number] = true
		if _, err := q.Options(); err != nil {
			return fmt.Errorf("queue %d: %w", q.Number, err)
		}
	}
	if _, err := ParseVerdict(c.Setting.Policy.Default); err != nil {
		return fmt.Errorf("policy default: %w", err)
	}
	for i, r := range c.Setting.Policy.Rules {
		if _, err := ParseVerdict(r.Verdict); err != nil {
			return fmt.Errorf("policy rule %d (%s): %w", i, r.Name, err)
		}
	}
	if _, _, err := c.InternalConfig.Logger.Levels(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	return nil
}

func FileExists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}
