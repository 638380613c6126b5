package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/drover/internal/pathutil"
)

// PasswordCallback is called when agent and key-based auth both fail.
// It receives the hostname and should return the password.
type PasswordCallback func(host string) (string, error)

// ClientConfig holds options for creating an SSH client.
type ClientConfig struct {
	// User overrides the SSH username. If empty, resolved from
	// ~/.ssh/config or the current OS user.
	User string

	// Port overrides the SSH port. If zero, resolved from
	// ~/.ssh/config or defaults to 22.
	Port int

	// IdentityFiles lists explicit private key paths to try.
	// If empty, resolved from ~/.ssh/config and default key locations.
	IdentityFiles []string

	// PasswordCallback is invoked when agent and key auth fail.
	PasswordCallback PasswordCallback

	// AcceptUnknownHosts controls whether to accept hosts not in known_hosts.
	AcceptUnknownHosts bool

	// HostKeyCallback overrides the default host key verification.
	// If nil, knownhosts is used (with AcceptUnknownHosts controlling unknowns).
	HostKeyCallback ssh.HostKeyCallback

	// ProxyJump specifies one or more comma-separated SSH jump hosts
	// (e.g. "bastion" or "user@jump1:2222,user@jump2").
	// "none" disables proxy jumping (SSH convention).
	ProxyJump string
}

// Client wraps an SSH connection to a single host.
type Client struct {
	host      string
	sshClient *ssh.Client
	hops      []*Client // jump-host clients, outermost first
}

// Dial connects to the given host using the configured auth chain.
// If conf.ProxyJump is set (and not "none"), the connection is tunneled
// through one or more jump hosts.
func Dial(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	if conf.ProxyJump == "" || conf.ProxyJump == "none" {
		return connect(ctx, nil, host, conf)
	}

	var hops []*Client
	closeHops := func() {
		for i := len(hops) - 1; i >= 0; i-- {
			hops[i].Close()
		}
	}

	var via *Client
	for _, spec := range strings.Split(conf.ProxyJump, ",") {
		jumpConf, jumpHost := jumpConfig(conf, spec)
		hop, err := connect(ctx, via, jumpHost, jumpConf)
		if err != nil {
			closeHops()
			return nil, fmt.Errorf("dial jump host %q: %w", strings.TrimSpace(spec), err)
		}
		hops = append(hops, hop)
		via = hop
	}

	finalConf := conf
	finalConf.ProxyJump = ""
	client, err := connect(ctx, via, host, finalConf)
	if err != nil {
		closeHops()
		return nil, fmt.Errorf("dial target %s via proxy: %w", host, err)
	}
	client.hops = hops
	return client, nil
}

// jumpConfig derives the config for one jump host from the target's config.
// Auth settings are inherited; user and port come from the jump spec.
func jumpConfig(conf ClientConfig, spec string) (ClientConfig, string) {
	user, hostname, port := parseJumpHost(spec)
	return ClientConfig{
		User:               user,
		Port:               port,
		IdentityFiles:      conf.IdentityFiles,
		PasswordCallback:   conf.PasswordCallback,
		AcceptUnknownHosts: conf.AcceptUnknownHosts,
		HostKeyCallback:    conf.HostKeyCallback,
	}, hostname
}

// connect performs one SSH handshake with host, either directly or through
// an already established client.
func connect(ctx context.Context, via *Client, host string, conf ClientConfig) (*Client, error) {
	addr, user, authMethods := resolveConnection(host, conf)

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return nil, fmt.Errorf("host key callback: %w", err)
	}

	sshConf := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	var conn net.Conn
	if via == nil {
		d := net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
	} else {
		conn, err = via.DialTCP(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("tunnel through %s to %s: %w", via.host, addr, err)
		}
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Client{
		host:      host,
		sshClient: ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

// parseJumpHost parses a jump host spec in the form "user@host:port",
// "host:port", "user@host", or just "host". Returns user, hostname, port.
func parseJumpHost(spec string) (user, hostname string, port int) {
	spec = strings.TrimSpace(spec)

	if i := strings.Index(spec, "@"); i >= 0 {
		user = spec[:i]
		spec = spec[i+1:]
	}

	if host, portStr, err := net.SplitHostPort(spec); err == nil {
		hostname = host
		port, _ = strconv.Atoi(portStr)
	} else {
		hostname = spec
	}

	return user, hostname, port
}

// RunCommand executes a command on the connected host and returns
// stdout, stderr, exit code, and any error.
func (c *Client) RunCommand(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	outBuf, errBuf := newTailBuffer(maxCapture), newTailBuffer(maxCapture)
	session.Stdout = outBuf
	session.Stderr = errBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
			}
			return outBuf.Bytes(), errBuf.Bytes(), -1, err
		}
		return outBuf.Bytes(), errBuf.Bytes(), 0, nil
	}
}

// DialTCP opens a TCP connection to addr from the remote side of this
// client (a direct-tcpip channel). It is how health probes reach hosts
// behind a bastion.
func (c *Client) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := c.sshClient.Dial("tcp", addr)
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.conn, r.err
	}
}

// SSHClient exposes the underlying connection, e.g. for SFTP.
func (c *Client) SSHClient() *ssh.Client {
	return c.sshClient
}

// Close closes the underlying SSH connection and any jump-host connections
// in reverse order (innermost first).
func (c *Client) Close() error {
	var firstErr error
	if c.sshClient != nil {
		firstErr = c.sshClient.Close()
	}
	for i := len(c.hops) - 1; i >= 0; i-- {
		if err := c.hops[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Host returns the hostname this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// resolveConnection builds the address, username, and auth methods for a host.
// Values pre-set in conf win over ~/.ssh/config.
func resolveConnection(host string, conf ClientConfig) (addr, user string, methods []ssh.AuthMethod) {
	user = conf.User
	if user == "" {
		user = sshconfig.Get(host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	port := conf.Port
	if port == 0 {
		if p, err := strconv.Atoi(sshconfig.Get(host, "Port")); err == nil {
			port = p
		}
	}
	if port == 0 {
		port = 22
	}

	addr = net.JoinHostPort(host, strconv.Itoa(port))
	return addr, user, buildAuthMethods(host, conf)
}

// buildAuthMethods constructs the ordered auth chain: agent, key files,
// then password.
func buildAuthMethods(host string, conf ClientConfig) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	keyFiles := conf.IdentityFiles
	if len(keyFiles) == 0 {
		keyFiles = resolveKeyFiles(host)
	}
	var signers []ssh.Signer
	for _, keyFile := range keyFiles {
		if signer := loadKeySigner(keyFile); signer != nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if conf.PasswordCallback != nil {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return conf.PasswordCallback(host)
		}))
	}

	return methods
}

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}
}

// agentAuthMethod returns an auth method using the SSH agent, or nil
// if the agent is unavailable or has no keys.
func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) > 0 {
				return ssh.PublicKeysCallback(sharedAgent.client.Signers)
			}
			return nil
		}
		// Stale connection.
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	keys, err := sharedAgent.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

// resolveKeyFiles returns key file paths from ssh_config and default locations.
func resolveKeyFiles(host string) []string {
	var files []string

	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		expanded := pathutil.ExpandHome(identity)
		if _, err := os.Stat(expanded); err == nil {
			files = append(files, expanded)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return files
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		f := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}

	return files
}

// loadKeySigner reads a private key file and returns a signer, or nil if
// the file is missing or not an unencrypted private key.
func loadKeySigner(path string) ssh.Signer {
	data, err := os.ReadFile(pathutil.ExpandHome(path))
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return signer
}

// resolveHostKeyCallback builds the host key callback.
func resolveHostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}

	if conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}

	knownHostsPath := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; use --insecure to skip host key verification", knownHostsPath)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// newClientConn performs the SSH handshake with context cancellation.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
