package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix scopes overrides to DROVER_*.
const envPrefix = "drover"

// Env holds the settings that may be overridden from the environment.
// Pointer fields distinguish unset from zero.
type Env struct {
	Region       string `envconfig:"REGION"`
	ProjectTag   string `envconfig:"PROJECT_TAG"`
	Stage        string `envconfig:"STAGE"`
	LoadBalancer string `envconfig:"LOAD_BALANCER"`
	UsePrivateIP *bool  `envconfig:"USE_PRIVATE_IP"`

	SSHUser   string `envconfig:"SSH_USER"`
	ProxyJump string `envconfig:"PROXY_JUMP"`
	Insecure  *bool  `envconfig:"INSECURE"`

	Strategy   string `envconfig:"STRATEGY"`
	WorkerSize *int   `envconfig:"WORKER_SIZE"`
	Output     string `envconfig:"OUTPUT"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	LogFormat  string `envconfig:"LOG_FORMAT"`
}

// ApplyEnv overlays DROVER_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	env.apply(cfg)
	return nil
}

func (e Env) apply(cfg *Config) {
	setString(&cfg.AWS.Region, e.Region)
	setString(&cfg.AWS.ProjectTag, e.ProjectTag)
	setString(&cfg.AWS.Stage, e.Stage)
	setString(&cfg.AWS.LoadBalancer, e.LoadBalancer)
	if e.UsePrivateIP != nil {
		cfg.AWS.UsePrivateIP = *e.UsePrivateIP
	}

	setString(&cfg.SSH.User, e.SSHUser)
	setString(&cfg.SSH.ProxyJump, e.ProxyJump)
	if e.Insecure != nil {
		cfg.SSH.Insecure = *e.Insecure
	}

	setString(&cfg.Defaults.Strategy, e.Strategy)
	if e.WorkerSize != nil {
		cfg.Defaults.WorkerSize = *e.WorkerSize
	}
	setString(&cfg.Defaults.Output, e.Output)
	setString(&cfg.Defaults.LogLevel, e.LogLevel)
	setString(&cfg.Defaults.LogFormat, e.LogFormat)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
