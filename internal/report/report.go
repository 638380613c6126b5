// Package report partitions a deploy run into successful, failed and pending
// hosts and renders the summary.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is the single result emitted for a dispatched host.
type Outcome struct {
	Host string
	Err  error // nil means success

	// OutOfRotation is set when the host was deregistered and never
	// confirmed back in service.
	OutOfRotation bool
	LoadBalancer  string
}

// Success reports whether the outcome is a success.
func (o Outcome) Success() bool { return o.Err == nil }

// Report is the final partition of a run. The three host lists are
// disjoint, cover the universe exactly, and keep declaration order.
type Report struct {
	Successful []string
	Failed     []string
	Pending    []string

	Errors   map[string]error
	Warnings []string
}

// Aggregate partitions universe using outcomes. Outcomes for hosts outside
// the universe are ignored. When a host has several outcomes, any failure
// wins.
func Aggregate(universe []string, outcomes []Outcome) *Report {
	byHost := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		prev, seen := byHost[o.Host]
		if seen && !prev.Success() {
			continue
		}
		byHost[o.Host] = o
	}

	r := &Report{Errors: make(map[string]error)}
	seen := make(map[string]bool, len(universe))
	for _, host := range universe {
		if seen[host] {
			continue
		}
		seen[host] = true

		o, ok := byHost[host]
		switch {
		case !ok:
			r.Pending = append(r.Pending, host)
		case o.Success():
			r.Successful = append(r.Successful, host)
		default:
			r.Failed = append(r.Failed, host)
			r.Errors[host] = o.Err
		}
		if ok && o.OutOfRotation {
			r.Warnings = append(r.Warnings, outOfRotationWarning(o))
		}
	}
	return r
}

func outOfRotationWarning(o Outcome) string {
	lb := o.LoadBalancer
	if lb == "" {
		lb = "its load balancer"
	}
	return fmt.Sprintf("%s is out of rotation on %s: the load balancer has one fewer healthy member than before this run and must be reconciled manually", o.Host, lb)
}

// OK reports whether no host failed.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// ExitCode returns 0 when no host failed and 1 otherwise.
func (r *Report) ExitCode() int {
	if r.OK() {
		return 0
	}
	return 1
}

// Text renders the report for a terminal. All partitions are always shown.
func (r *Report) Text() string {
	var b strings.Builder

	writeHosts(&b, "successful", r.Successful)
	b.WriteString(fmt.Sprintf("failed (%d):", len(r.Failed)))
	if len(r.Failed) == 0 {
		b.WriteString(" none\n")
	} else {
		b.WriteString("\n")
		for _, host := range r.Failed {
			b.WriteString(fmt.Sprintf("  %s: %v\n", host, r.Errors[host]))
		}
	}
	writeHosts(&b, "pending", r.Pending)

	for _, w := range r.Warnings {
		b.WriteString("WARNING: ")
		b.WriteString(w)
		b.WriteString("\n")
	}
	return b.String()
}

func writeHosts(b *strings.Builder, label string, hosts []string) {
	b.WriteString(fmt.Sprintf("%s (%d): ", label, len(hosts)))
	if len(hosts) == 0 {
		b.WriteString("none\n")
		return
	}
	b.WriteString(strings.Join(hosts, ", "))
	b.WriteString("\n")
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	type jsonFailure struct {
		Host  string `json:"host"`
		Error string `json:"error"`
	}
	out := struct {
		Successful []string      `json:"successful"`
		Failed     []jsonFailure `json:"failed"`
		Pending    []string      `json:"pending"`
		Warnings   []string      `json:"warnings,omitempty"`
		ExitCode   int           `json:"exit_code"`
	}{
		Successful: nonNil(r.Successful),
		Failed:     []jsonFailure{},
		Pending:    nonNil(r.Pending),
		Warnings:   r.Warnings,
		ExitCode:   r.ExitCode(),
	}
	for _, host := range r.Failed {
		f := jsonFailure{Host: host}
		if err := r.Errors[host]; err != nil {
			f.Error = err.Error()
		}
		out.Failed = append(out.Failed, f)
	}
	return json.MarshalIndent(out, "", "  ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
