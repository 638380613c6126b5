package healthcheck

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/target"
)

// Prober performs one HTTP request. A transport failure is returned as err;
// any HTTP response, whatever its status, is not an error.
type Prober interface {
	Probe(ctx context.Context, req Request) (status int, body []byte, err error)
}

// Failure reports a check that never matched before its deadline.
type Failure struct {
	Host       string
	Role       string
	URL        string
	Expected   string
	Timeout    time.Duration
	LastStatus int
	LastBody   string
	Err        error // last transport error or the context error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "healthcheck %s for role %s did not pass within %s", f.URL, f.Role, f.Timeout)
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
		return b.String()
	}
	fmt.Fprintf(&b, ": last response %s", statusText(f.LastStatus))
	if f.Expected != "" {
		fmt.Fprintf(&b, ", body %q, expected %q", truncate(f.LastBody, 80), f.Expected)
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Engine runs a unit's checks in declared order.
type Engine struct {
	prober   Prober
	interval time.Duration
	resolve  func(host string) string
	logger   *logrus.Entry
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryInterval sets the delay between attempts of one check.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithHostResolver maps a unit's address to the name probes are sent to,
// e.g. an ssh_config alias to its HostName. The default strips user@.
func WithHostResolver(fn func(host string) string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.resolve = fn
		}
	}
}

// NewEngine creates an Engine retrying once per second.
func NewEngine(prober Prober, logger *logrus.Entry, opts ...Option) *Engine {
	e := &Engine{
		prober:   prober,
		interval: time.Second,
		resolve:  target.Hostname,
		logger:   logging.OrDiscard(logger).WithField("subservice", "healthcheck"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run checks every role of unit in declaration order, and every check of a
// role in declared order. It stops at the first check that fails.
func (e *Engine) Run(ctx context.Context, unit target.Unit) error {
	for _, role := range unit.Roles {
		specs, err := SpecsFor(unit.Options[role])
		if err != nil {
			return fmt.Errorf("role %s: invalid healthcheck: %w", role, err)
		}
		for _, spec := range specs {
			if err := e.check(ctx, unit.Host, role, spec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) check(ctx context.Context, host, role string, spec Spec) error {
	req := Request{
		Host:     e.resolve(host),
		Port:     spec.Port,
		Path:     spec.Path,
		UseHTTPS: spec.UseHTTPS,
		Bastion:  spec.Bastion,
	}
	log := e.logger.WithFields(logrus.Fields{"host": host, "role": role, "url": req.URL()})

	fail := &Failure{
		Host:     host,
		Role:     role,
		URL:      req.URL(),
		Expected: spec.ExpectedResult,
		Timeout:  spec.Timeout,
	}

	deadline := time.Now().Add(spec.Timeout)
	for attempt := 1; ; attempt++ {
		probeCtx, cancel := context.WithDeadline(ctx, deadline)
		status, body, err := e.prober.Probe(probeCtx, req)
		cancel()

		if err == nil && spec.Matches(status, body) {
			log.WithField("attempt", attempt).Info("Healthcheck passed")
			return nil
		}
		fail.LastStatus, fail.LastBody, fail.Err = status, string(body), err
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"status":  status,
		}).WithError(err).Debug("Healthcheck not passing yet")

		if ctx.Err() != nil {
			fail.Err = ctx.Err()
			return fail
		}
		if !time.Now().Before(deadline) {
			log.Warn("Healthcheck timed out")
			return fail
		}

		timer := time.NewTimer(e.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			fail.Err = ctx.Err()
			return fail
		case <-timer.C:
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
