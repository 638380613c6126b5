package executor

import (
	"fmt"
	"strings"
	"time"
)

// HostResult holds the result of executing one command on a single host.
type HostResult struct {
	Host     string
	Command  string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error // connection/timeout errors
}

// Failed reports whether the command errored or exited non-zero.
func (r *HostResult) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// CommandError describes the first failing command of a script.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %q: %v", e.Host, e.Command, e.Err)
	}
	msg := fmt.Sprintf("%s: %q exited with code %d", e.Host, e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
