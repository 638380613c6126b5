package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectError wraps an SSH connection error with a user-friendly hint.
type ConnectError struct {
	Host string
	Err  error
	Hint string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v (hint: %s)", e.Host, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// WrapConnectError wraps an SSH connection error with a friendly hint.
// If the error doesn't match any known patterns, it's returned as-is.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}
	var already *ConnectError
	if errors.As(err, &already) {
		return err
	}
	if hint := connectHint(host, err); hint != "" {
		return &ConnectError{Host: host, Err: err, Hint: hint}
	}
	return err
}

func connectHint(host string, err error) string {
	msg := err.Error()

	var keyErr *knownhosts.KeyError
	var dnsErr *net.DNSError
	var authErr *ssh.ServerAuthError

	switch {
	case strings.Contains(msg, "permission denied") && strings.Contains(msg, "key"):
		return "check SSH key permissions (chmod 600)"
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "handshake failed"),
		errors.As(err, &authErr):
		return fmt.Sprintf("verify the deploy user's SSH key or agent. Try: ssh -v %s", host)
	case strings.Contains(msg, "connection refused"):
		return "verify SSH daemon is running on the target host and the security group allows it"
	case errors.As(err, &dnsErr),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "lookup"):
		return "verify hostname is correct; for VPC-only instances set aws.use_private_ip"
	case errors.As(err, &keyErr) && len(keyErr.Want) > 0:
		return fmt.Sprintf("host key changed; remove the old key with: ssh-keygen -R %s", host)
	case strings.Contains(msg, "no known_hosts"),
		strings.Contains(msg, "knownhosts"),
		errors.As(err, &keyErr):
		return fmt.Sprintf("use --insecure or connect once with: ssh %s", host)
	}
	return ""
}
