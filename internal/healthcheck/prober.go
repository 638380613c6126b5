package healthcheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/agent462/drover/internal/pathutil"
	hssh "github.com/agent462/drover/internal/ssh"
)

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

// ClientPool hands out SSH connections to bastions. *ssh.Pool implements it.
type ClientPool interface {
	SetHostConfig(host string, hc hssh.HostConfig)
	GetClient(ctx context.Context, host string) (*hssh.Client, error)
}

// HTTPProber probes over plain TCP, or through an SSH bastion when the
// request names one.
type HTTPProber struct {
	pool      ClientPool
	tlsConfig *tls.Config

	mu         sync.Mutex
	registered map[string]bool
}

// ProberOption configures an HTTPProber.
type ProberOption func(*HTTPProber)

// WithTLSConfig sets the TLS config for https checks.
func WithTLSConfig(c *tls.Config) ProberOption {
	return func(p *HTTPProber) { p.tlsConfig = c }
}

// NewHTTPProber creates a prober. pool may be nil when no check uses a
// bastion.
func NewHTTPProber(pool ClientPool, opts ...ProberOption) *HTTPProber {
	p := &HTTPProber{
		pool:       pool,
		registered: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, req Request) (int, []byte, error) {
	dial, err := p.dialer(req.Bastion)
	if err != nil {
		return 0, nil, err
	}

	transport := &http.Transport{
		DialContext:       dial,
		TLSClientConfig:   p.tlsConfig,
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, body, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (p *HTTPProber) dialer(b *Bastion) (dialFunc, error) {
	if b == nil {
		d := &net.Dialer{}
		return d.DialContext, nil
	}
	if p.pool == nil {
		return nil, fmt.Errorf("bastion %s configured but no ssh pool available", b.Host)
	}

	key := p.register(b)
	return func(ctx context.Context, _, addr string) (net.Conn, error) {
		client, err := p.pool.GetClient(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("bastion %s: %w", b.Host, err)
		}
		return client.DialTCP(ctx, addr)
	}, nil
}

// register records the bastion's connection details in the pool once and
// returns the pool key.
func (p *HTTPProber) register(b *Bastion) string {
	host, port := b.Host, 0
	if h, ps, err := net.SplitHostPort(b.Host); err == nil {
		host = h
		port, _ = strconv.Atoi(ps)
	}

	key := host
	if b.User != "" {
		key = b.User + "@" + host
	}
	if port != 0 {
		key = fmt.Sprintf("%s:%d", key, port)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.registered[key] {
		p.pool.SetHostConfig(key, hssh.HostConfig{
			Hostname:      host,
			User:          b.User,
			Port:          port,
			IdentityFiles: pathutil.ExpandHomeAll(b.PrivateKeys),
			ProxyJump:     "none",
		})
		p.registered[key] = true
	}
	return key
}
