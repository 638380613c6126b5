package executor

import (
	"context"
	"time"
)

// Runner is the interface that the SSH layer implements to execute a command on a single host.
type Runner interface {
	Run(ctx context.Context, host string, command string) *HostResult
}

// Executor runs an ordered script of commands against one host.
type Executor struct {
	runner  Runner
	timeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each command. Zero, the default, leaves commands
// bounded only by the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates an Executor with the given Runner and options.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{runner: runner}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunScript runs commands on host in order and stops at the first command
// that errors or exits non-zero. It returns the results of every command
// that ran and, on failure, a *CommandError for the failing one.
func (e *Executor) RunScript(ctx context.Context, host string, commands []string) ([]*HostResult, error) {
	results := make([]*HostResult, 0, len(commands))

	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return results, &CommandError{Host: host, Command: command, Err: err}
		}

		result := e.run(ctx, host, command)
		results = append(results, result)

		if result.Failed() {
			return results, &CommandError{
				Host:     host,
				Command:  command,
				ExitCode: result.ExitCode,
				Stderr:   string(result.Stderr),
				Err:      result.Err,
			}
		}
	}

	return results, nil
}

func (e *Executor) run(ctx context.Context, host, command string) *HostResult {
	cmdCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	result := e.runner.Run(cmdCtx, host, command)
	if result == nil {
		result = &HostResult{}
	}
	result.Duration = time.Since(start)
	result.Host = host
	result.Command = command

	// If the command's context expired but the runner didn't set an error, record it.
	if cmdCtx.Err() == context.DeadlineExceeded && result.Err == nil {
		result.Err = context.DeadlineExceeded
	}

	return result
}
