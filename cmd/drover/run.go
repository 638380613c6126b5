package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent462/drover/internal/config"
	"github.com/agent462/drover/internal/deploystep"
	"github.com/agent462/drover/internal/elb"
	"github.com/agent462/drover/internal/executor"
	"github.com/agent462/drover/internal/healthcheck"
	"github.com/agent462/drover/internal/inventory"
	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/orchestrator"
	"github.com/agent462/drover/internal/report"
	"github.com/agent462/drover/internal/ssh"
	"github.com/agent462/drover/internal/target"
)

func run(cmd *cobra.Command, f *flags, strategy string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	applyFlags(cfg, cmd, f)
	if strategy == "" {
		strategy = cfg.Defaults.Strategy
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitUsage, err: fmt.Errorf("invalid config: %w", err)}
	}

	logger, err := logging.NewWithOutput(stderr, cfg.Defaults.LogLevel, cfg.Defaults.LogFormat)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roles, err := cfg.SelectRoles(f.roles)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	var (
		awsCfg    aws.Config
		directory inventory.Directory = inventory.Static{}
		ec2Dir    *inventory.EC2Directory
	)
	if cfg.AWS.Enabled() {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		ec2Dir = inventory.NewEC2DirectoryFromConfig(awsCfg, cfg.AWS, logger)
		directory = ec2Dir
	}

	mapping, err := directory.Resolve(ctx, roles)
	if err != nil {
		return fmt.Errorf("resolve instances: %w", err)
	}
	units, err := target.Resolve(mapping)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if len(units) == 0 {
		return &exitError{code: exitUsage, err: errors.New("no hosts matched the selected roles")}
	}
	if err := healthcheck.Validate(units); err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if ec2Dir == nil {
		for _, u := range units {
			if u.LoadBalanced() {
				return &exitError{code: exitUsage, err: fmt.Errorf("%s is load_balanced but aws.project_tag is not configured", u.Host)}
			}
		}
	}

	pool := ssh.NewPool(clientConfig(cfg.SSH, stderr), hostConfigs(cfg.SSH, units.Hosts()))
	defer pool.Close()
	defer ssh.CloseAgent()

	step, err := deploystep.NewSSHStep(pool, pool, cfg.Deploy, logger,
		executor.WithTimeout(cfg.Defaults.CommandTimeout.Duration))
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	interval := cfg.Defaults.PollInterval.Duration
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithWorkerSize(cfg.Defaults.WorkerSize),
		orchestrator.WithReregisterTimeout(cfg.Defaults.ReregisterTimeout.Duration),
		orchestrator.WithHealthChecker(healthcheck.NewEngine(healthcheck.NewHTTPProber(pool), logger,
			healthcheck.WithRetryInterval(interval),
			healthcheck.WithHostResolver(func(addr string) string {
				return config.ResolveHost(cfg.SSH, addr).Hostname
			}))),
	}
	if ec2Dir != nil {
		client := elb.NewAWSClientFromConfig(awsCfg, ec2Dir, elb.WithLoadBalancerName(cfg.AWS.LoadBalancer))
		opts = append(opts, orchestrator.WithLoadBalancer(elb.NewManager(client, logger, elb.WithPollInterval(interval))))
	}
	orch := orchestrator.New(step, opts...)

	if f.dryRun {
		return printPlan(ctx, stdout, orch, strategy, units)
	}

	var r *report.Report
	switch strategy {
	case config.StrategyParallel:
		r = orch.Parallel(ctx, units)
	default:
		r = orch.Rolling(ctx, units)
	}

	if err := writeReport(stdout, r, cfg.Defaults.Output); err != nil {
		return err
	}
	if ctx.Err() != nil && len(r.Pending) > 0 {
		return &exitError{code: exitInterrupted, err: errors.New("interrupted, pending hosts were not deployed")}
	}
	if code := r.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// applyFlags overrides config values with flags the user actually set.
func applyFlags(cfg *config.Config, cmd *cobra.Command, f *flags) {
	changed := cmd.Flags().Changed
	if changed("worker-size") {
		cfg.Defaults.WorkerSize = f.workerSize
	}
	if changed("insecure") {
		cfg.SSH.Insecure = f.insecure
	}
	if changed("output") {
		cfg.Defaults.Output = f.output
	}
	if changed("log-level") {
		cfg.Defaults.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.Defaults.LogFormat = f.logFormat
	}
}

func clientConfig(s config.SSH, stderr io.Writer) ssh.ClientConfig {
	return ssh.ClientConfig{
		User:               s.User,
		Port:               s.Port,
		IdentityFiles:      s.IdentityFiles,
		AcceptUnknownHosts: s.Insecure,
		ProxyJump:          s.ProxyJump,
		PasswordCallback:   passwordPrompt(stderr),
	}
}

func hostConfigs(s config.SSH, addresses []string) map[string]ssh.HostConfig {
	confs := make(map[string]ssh.HostConfig, len(addresses))
	for _, h := range config.ResolveHosts(s, addresses) {
		confs[h.Name] = ssh.HostConfig{
			Hostname:      h.Hostname,
			User:          h.User,
			Port:          h.Port,
			IdentityFiles: h.IdentityFiles,
			ProxyJump:     h.ProxyJump,
		}
	}
	return confs
}

// passwordPrompt asks on the terminal, one host at a time. Parallel workers
// share the terminal so prompts are serialized.
func passwordPrompt(stderr io.Writer) ssh.PasswordCallback {
	var mu sync.Mutex
	return func(host string) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("password required but stdin is not a terminal")
		}
		fmt.Fprintf(stderr, "Password for %s: ", host)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
}

func printPlan(ctx context.Context, w io.Writer, orch *orchestrator.Orchestrator, strategy string, units target.Units) error {
	fmt.Fprintf(w, "strategy: %s\n", strategy)
	if strategy == config.StrategyParallel {
		size, h := orch.EffectivePoolSize(ctx, units)
		if h != nil {
			fmt.Fprintf(w, "pool size: %d (load balancer %s, %d members)\n", size, h.Name, h.MemberCount)
		} else {
			fmt.Fprintf(w, "pool size: %d\n", size)
		}
	}
	fmt.Fprintf(w, "units (%d):\n", len(units))
	for _, u := range units {
		lb := ""
		if u.LoadBalanced() {
			lb = " [load balanced]"
		}
		fmt.Fprintf(w, "  %s roles=%s%s\n", u.Host, strings.Join(u.Roles, ","), lb)
	}
	return nil
}

func writeReport(w io.Writer, r *report.Report, format string) error {
	if format == "json" {
		data, err := r.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := io.WriteString(w, r.Text())
	return err
}
