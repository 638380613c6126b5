package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/agent462/drover/internal/executor"
)

// HostConfig holds per-host SSH connection details.
type HostConfig struct {
	Hostname      string // actual hostname to dial (may differ from the map key)
	User          string
	Port          int
	IdentityFiles []string
	ProxyJump     string
}

// dialResult holds the outcome of a Dial attempt, shared between goroutines
// waiting for the same host connection.
type dialResult struct {
	client *Client
	err    error
}

// Pool manages persistent SSH connections to multiple hosts.
// It implements executor.Runner, reusing cached connections across commands
// and automatically reconnecting on stale connections. Deploy scripts, SFTP
// uploads and bastion tunnels all share one pool per run.
type Pool struct {
	mu        sync.Mutex
	clients   map[string]*Client
	inflight  map[string]chan dialResult // per-host dial coordination
	baseConf  ClientConfig
	hostConfs map[string]HostConfig
}

// NewPool creates a connection pool with the given base config and per-host overrides.
func NewPool(baseConf ClientConfig, hostConfs map[string]HostConfig) *Pool {
	confs := make(map[string]HostConfig, len(hostConfs))
	for k, v := range hostConfs {
		confs[k] = v
	}
	return &Pool{
		clients:   make(map[string]*Client),
		inflight:  make(map[string]chan dialResult),
		baseConf:  baseConf,
		hostConfs: confs,
	}
}

// SetHostConfig registers or replaces the override for host. Existing
// connections are kept.
func (p *Pool) SetHostConfig(host string, hc HostConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hostConfs[host] = hc
}

// Run implements executor.Runner. If a command fails with what looks like a
// connection error, it evicts the cached connection and retries once.
func (p *Pool) Run(ctx context.Context, host string, command string) *executor.HostResult {
	result := &executor.HostResult{Host: host, Command: command}

	stdout, stderr, exitCode, err := p.exec(ctx, host, command)
	if err != nil && isReconnectable(err) {
		p.evict(host)
		stdout, stderr, exitCode, err = p.exec(ctx, host, command)
	}

	result.Stdout = stdout
	result.Stderr = stderr
	result.ExitCode = exitCode
	result.Err = err
	return result
}

func (p *Pool) exec(ctx context.Context, host string, command string) ([]byte, []byte, int, error) {
	client, err := p.GetClient(ctx, host)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("connect: %w", err)
	}
	return client.RunCommand(ctx, command)
}

// GetClient returns the cached connection for host, dialing it if needed.
// The pool owns the client; callers must not close it.
func (p *Pool) GetClient(ctx context.Context, host string) (*Client, error) {
	p.mu.Lock()

	if client, ok := p.clients[host]; ok {
		p.mu.Unlock()
		return client, nil
	}

	// Another goroutine is already dialing this host.
	if ch, ok := p.inflight[host]; ok {
		p.mu.Unlock()
		select {
		case res := <-ch:
			// Put the result back so other waiters can also read it.
			ch <- res
			return res.client, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ch := make(chan dialResult, 1)
	p.inflight[host] = ch
	conf, dialHost := resolveHostConf(p.baseConf, p.hostConfs, host)
	p.mu.Unlock()

	client, err := Dial(ctx, dialHost, conf)
	if err != nil {
		err = WrapConnectError(host, err)
	}

	p.mu.Lock()
	delete(p.inflight, host)
	if err == nil {
		p.clients[host] = client
	}
	p.mu.Unlock()

	ch <- dialResult{client: client, err: err}

	return client, err
}

func (p *Pool) evict(host string) {
	p.mu.Lock()
	client, ok := p.clients[host]
	if ok {
		delete(p.clients, host)
	}
	p.mu.Unlock()

	if ok {
		client.Close()
	}
}

// IsConnected reports whether a cached connection exists for the given host.
func (p *Pool) IsConnected(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[host]
	return ok
}

// Close closes all cached connections and resets the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var firstErr error
	for _, client := range clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveHostConf applies per-host overrides to a base SSH client config.
func resolveHostConf(base ClientConfig, hostConfs map[string]HostConfig, host string) (ClientConfig, string) {
	conf := base
	dialHost := host
	if hc, ok := hostConfs[host]; ok {
		if hc.Hostname != "" {
			dialHost = hc.Hostname
		}
		if hc.User != "" {
			conf.User = hc.User
		}
		if hc.Port > 0 {
			conf.Port = hc.Port
		}
		if len(hc.IdentityFiles) > 0 {
			conf.IdentityFiles = hc.IdentityFiles
		}
		if hc.ProxyJump != "" {
			conf.ProxyJump = hc.ProxyJump
		}
	}
	return conf, dialHost
}

// isReconnectable returns true if the error suggests a stale/broken connection
// that might succeed on retry with a fresh dial. Auth failures and context
// cancellation are permanent.
func isReconnectable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
