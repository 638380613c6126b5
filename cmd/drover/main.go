// Command drover deploys to a fleet of instances behind a load balancer,
// one at a time or with a bounded pool of workers.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent462/drover/internal/config"
)

// Exit codes besides the report's own 0 and 1.
const (
	exitUsage       = 2
	exitInterrupted = 130
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type flags struct {
	configPath string
	roles      []string
	workerSize int
	insecure   bool
	output     string
	logLevel   string
	logFormat  string
	dryRun     bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitUsage
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "drover",
		Short:         "Load-balancer-aware rolling and parallel deploys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "config file (default "+config.DefaultConfigPath()+")")
	pf.StringArrayVarP(&f.roles, "role", "r", nil, "deploy only this role (repeatable)")
	pf.IntVarP(&f.workerSize, "worker-size", "w", 0, "maximum parallel workers")
	pf.BoolVar(&f.insecure, "insecure", false, "accept unknown SSH host keys")
	pf.StringVarP(&f.output, "output", "o", "", "report format: text or json")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	pf.BoolVar(&f.dryRun, "dry-run", false, "print the resolved units and pool size, then exit")

	strategyCmd := func(use, short, strategy string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, f, strategy, stdout, stderr)
			},
		}
	}

	root.AddCommand(
		strategyCmd("deploy", "Deploy with the strategy from the config file", ""),
		strategyCmd("rolling", "Deploy one host at a time, stopping at the first failure", config.StrategyRolling),
		strategyCmd("parallel", "Deploy with a worker pool sized from the load balancer", config.StrategyParallel),
	)
	return root
}
