package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Deploy strategies.
const (
	StrategyRolling  = "rolling"
	StrategyParallel = "parallel"
)

// Config represents the top-level drover configuration.
type Config struct {
	AWS      AWS      `yaml:"aws"`
	SSH      SSH      `yaml:"ssh"`
	Defaults Defaults `yaml:"defaults"`
	Deploy   Deploy   `yaml:"deploy"`
	Roles    []Role   `yaml:"roles"`
}

// AWS holds instance discovery and load balancer settings.
type AWS struct {
	Region       string `yaml:"region,omitempty"`
	ProjectTag   string `yaml:"project_tag,omitempty"`
	Stage        string `yaml:"stage,omitempty"`
	UsePrivateIP bool   `yaml:"use_private_ip,omitempty"`
	// LoadBalancer pins every instance to one named load balancer instead
	// of looking up membership per instance.
	LoadBalancer string `yaml:"load_balancer,omitempty"`
}

// Enabled reports whether hosts should be discovered from EC2 tags.
func (a AWS) Enabled() bool {
	return a.ProjectTag != ""
}

// SSH holds connection settings shared by every host.
type SSH struct {
	User          string   `yaml:"user,omitempty"`
	Port          int      `yaml:"port,omitempty"`
	IdentityFiles []string `yaml:"identity_files,omitempty"`
	ProxyJump     string   `yaml:"proxy_jump,omitempty"`
	Insecure      bool     `yaml:"insecure,omitempty"`
}

// Defaults holds default run settings.
type Defaults struct {
	Strategy          string   `yaml:"strategy"`
	WorkerSize        int      `yaml:"worker_size"`
	ReregisterTimeout Duration `yaml:"reregister_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
	CommandTimeout    Duration `yaml:"command_timeout"`
	Output            string   `yaml:"output"` // "text" or "json"
	LogLevel          string   `yaml:"log_level"`
	LogFormat         string   `yaml:"log_format"`
}

// Deploy describes the per-host deploy step.
type Deploy struct {
	Artifact *Artifact `yaml:"artifact,omitempty"`
	// Commands are text/template strings run in order on each host.
	Commands []string `yaml:"commands"`
	Sudo     bool     `yaml:"sudo,omitempty"`
}

// Artifact is a local file uploaded before the deploy commands run.
type Artifact struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
	Mode   string `yaml:"mode,omitempty"` // octal, e.g. "0755"
}

// FileMode parses Mode. An empty mode yields 0 (leave as created).
func (a Artifact) FileMode() (os.FileMode, error) {
	if a.Mode == "" {
		return 0, nil
	}
	m, err := strconv.ParseUint(a.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid artifact mode %q: %w", a.Mode, err)
	}
	return os.FileMode(m), nil
}

// Role is one named group of hosts sharing an option bag.
type Role struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options,omitempty"`
	// Hosts lists static addresses ("host" or "user@host"). When empty and
	// AWS discovery is enabled, hosts come from the Roles instance tag.
	Hosts []string `yaml:"hosts,omitempty"`
	// Flags maps an option key to the instance name that receives
	// "<key>: true", e.g. primary: web-01.
	Flags map[string]string `yaml:"flags,omitempty"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Defaults: Defaults{
			Strategy:          StrategyRolling,
			WorkerSize:        5,
			ReregisterTimeout: Duration{60 * time.Second},
			PollInterval:      Duration{time.Second},
			Output:            "text",
			LogLevel:          "info",
			LogFormat:         "text",
		},
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "drover", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "drover", "config.yaml")
}

// Load reads a config YAML file, applies DROVER_* environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the config from the default path. If the file does not
// exist, the default config with environment overrides is returned.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	switch c.Defaults.Strategy {
	case "", StrategyRolling, StrategyParallel:
	default:
		return fmt.Errorf("invalid strategy %q, must be one of: rolling, parallel", c.Defaults.Strategy)
	}
	if c.Defaults.WorkerSize < 1 {
		return fmt.Errorf("worker_size must be at least 1, got %d", c.Defaults.WorkerSize)
	}
	if c.Defaults.ReregisterTimeout.Duration < 0 {
		return fmt.Errorf("reregister_timeout must be non-negative, got %s", c.Defaults.ReregisterTimeout)
	}
	if c.Defaults.PollInterval.Duration < 0 {
		return fmt.Errorf("poll_interval must be non-negative, got %s", c.Defaults.PollInterval)
	}
	if c.Defaults.CommandTimeout.Duration < 0 {
		return fmt.Errorf("command_timeout must be non-negative, got %s", c.Defaults.CommandTimeout)
	}

	validOutputModes := map[string]bool{"text": true, "json": true}
	if c.Defaults.Output != "" && !validOutputModes[c.Defaults.Output] {
		return fmt.Errorf("invalid output mode %q, must be one of: text, json", c.Defaults.Output)
	}

	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh port %d out of range", c.SSH.Port)
	}

	if a := c.Deploy.Artifact; a != nil {
		if a.Local == "" || a.Remote == "" {
			return fmt.Errorf("deploy artifact needs both local and remote paths")
		}
		if _, err := a.FileMode(); err != nil {
			return err
		}
	}
	if len(c.Deploy.Commands) == 0 && c.Deploy.Artifact == nil {
		return fmt.Errorf("deploy has no commands and no artifact")
	}

	seen := make(map[string]bool, len(c.Roles))
	for i, role := range c.Roles {
		if role.Name == "" {
			return fmt.Errorf("role %d has no name", i)
		}
		if !nameRe.MatchString(role.Name) {
			return fmt.Errorf("role name %q must match [a-zA-Z0-9_-]+", role.Name)
		}
		if seen[role.Name] {
			return fmt.Errorf("role %q declared twice", role.Name)
		}
		seen[role.Name] = true
		if len(role.Hosts) == 0 && !c.AWS.Enabled() {
			return fmt.Errorf("role %q has no hosts and aws discovery is not configured", role.Name)
		}
	}

	return nil
}

// SelectRoles returns the roles named in names, in declaration order.
// An empty names list selects every role.
func (c *Config) SelectRoles(names []string) ([]Role, error) {
	if len(names) == 0 {
		return c.Roles, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var selected []Role
	for _, role := range c.Roles {
		if want[role.Name] {
			selected = append(selected, role)
			delete(want, role.Name)
		}
	}
	if len(want) > 0 {
		for _, n := range names {
			if want[n] {
				return nil, fmt.Errorf("role %q not found", n)
			}
		}
	}
	return selected, nil
}
