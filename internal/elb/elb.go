// Package elb manages a host's load balancer membership around a deploy.
package elb

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/target"
)

// State is a member's health as reported by the load balancer.
type State string

const (
	StateInService    State = "InService"
	StateOutOfService State = "OutOfService"
	StateUnknown      State = "Unknown"
)

// Handle identifies the load balancer a host belongs to, with its member
// count at the time it was resolved.
type Handle struct {
	Name        string
	MemberCount int
}

// Client is the load balancer API used by Manager. Lookup and Deregister
// return a nil handle when the host is not behind a load balancer.
type Client interface {
	Lookup(ctx context.Context, host string) (*Handle, error)
	Deregister(ctx context.Context, host string) (*Handle, error)
	Register(ctx context.Context, host string, h *Handle) error
	MemberState(ctx context.Context, h *Handle, host string) (State, error)
	MemberCount(ctx context.Context, h *Handle) (int, error)
}

// ReregistrationError reports a host that never came back InService.
// The host stays out of rotation; nothing retries it.
type ReregistrationError struct {
	Host         string
	LoadBalancer string
	Timeout      time.Duration
}

func (e *ReregistrationError) Error() string {
	return fmt.Sprintf("%s was not confirmed InService on %s within %s: the load balancer has one fewer healthy member than before this run and must be reconciled manually",
		e.Host, e.LoadBalancer, e.Timeout)
}

// Manager deregisters hosts before a deploy and confirms their return.
type Manager struct {
	client       Client
	pollInterval time.Duration
	logger       *logrus.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets the member state polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewManager creates a Manager polling once per second.
func NewManager(client Client, logger *logrus.Entry, opts ...Option) *Manager {
	m := &Manager{
		client:       client,
		pollInterval: time.Second,
		logger:       logging.OrDiscard(logger).WithField("subservice", "elb"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve looks up the load balancer of host and its current member count.
// It returns nil when host is not behind one.
func (m *Manager) Resolve(ctx context.Context, host string) (*Handle, error) {
	h, err := m.client.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("look up load balancer for %s: %w", host, err)
	}
	if h == nil {
		return nil, nil
	}
	count, err := m.client.MemberCount(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("count members of %s: %w", h.Name, err)
	}
	h.MemberCount = count
	return h, nil
}

// Deregister takes unit out of rotation if any of its roles is load
// balanced. A nil handle means nothing was deregistered.
func (m *Manager) Deregister(ctx context.Context, unit target.Unit) (*Handle, error) {
	if !unit.LoadBalanced() {
		return nil, nil
	}

	log := m.logger.WithField("host", unit.Host)
	h, err := m.client.Deregister(ctx, unit.Host)
	if err != nil {
		return nil, fmt.Errorf("deregister %s: %w", unit.Host, err)
	}
	if h == nil {
		log.Warn("Host is marked load balanced but no load balancer was found")
		return nil, nil
	}

	log.WithField("load_balancer", h.Name).Info("Deregistered from load balancer")
	return h, nil
}

// Reregister adds host back to h and polls its state until it is InService
// or timeout elapses. It returns false on timeout and ctx.Err() if ctx ends
// first. A nil handle is a no-op.
func (m *Manager) Reregister(ctx context.Context, host string, h *Handle, timeout time.Duration) (bool, error) {
	if h == nil {
		return true, nil
	}

	log := m.logger.WithFields(logrus.Fields{"host": host, "load_balancer": h.Name})
	if err := m.client.Register(ctx, host, h); err != nil {
		return false, fmt.Errorf("register %s with %s: %w", host, h.Name, err)
	}
	log.Info("Registered with load balancer, waiting for InService")

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		state, err := m.client.MemberState(ctx, h, host)
		switch {
		case err != nil:
			log.WithError(err).Debug("Member state query failed")
		case state == StateInService:
			log.Info("Host is InService")
			return true, nil
		default:
			log.WithField("state", state).Debug("Waiting for InService")
		}

		if !time.Now().Before(deadline) {
			log.WithField("timeout", timeout).Error("Host did not return to service")
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
