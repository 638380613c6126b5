package ssh

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/agent462/drover/internal/sshtest"
)

// dialTestClient creates a client that won't use the local SSH agent
// or default key files, only the explicitly provided identity file.
func dialTestClient(t *testing.T, host string, port int, keyPath string) *Client {
	t.Helper()

	t.Setenv("SSH_AUTH_SOCK", "")

	conf := ClientConfig{
		User:            "testuser",
		Port:            port,
		IdentityFiles:   []string{keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
	}

	client, err := Dial(context.Background(), host, conf)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

// startEcho starts a TCP server that echoes one line back, prefixed.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, _ := bufio.NewReader(c).ReadString('\n')
				fmt.Fprintf(c, "echo:%s", line)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSuccessfulConnectionAndCommand(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "deployed " + cmd + "\n", "", 0
	}))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	client := dialTestClient(t, host, port, keyPath)
	defer client.Close()

	stdout, stderr, exitCode, err := client.RunCommand(context.Background(), "release-42")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if exitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exitCode)
	}
	if string(stdout) != "deployed release-42\n" {
		t.Errorf("unexpected stdout %q", stdout)
	}
	if len(stderr) != 0 {
		t.Errorf("expected empty stderr, got %q", stderr)
	}
	if client.Host() != host {
		t.Errorf("Host() = %q, want %q", client.Host(), host)
	}
}

func TestCommandNonZeroExitCode(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "", "command not found\n", 127
	}))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	client := dialTestClient(t, host, port, keyPath)
	defer client.Close()

	stdout, stderr, exitCode, err := client.RunCommand(context.Background(), "badcmd")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if exitCode != 127 {
		t.Errorf("expected exit code 127, got %d", exitCode)
	}
	if len(stdout) != 0 {
		t.Errorf("expected empty stdout, got %q", stdout)
	}
	if string(stderr) != "command not found\n" {
		t.Errorf("expected 'command not found\\n', got %q", stderr)
	}
}

func TestConnectionTimeout(t *testing.T) {
	// A listener that accepts but never completes the SSH handshake.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	_, port := sshtest.ParseAddr(t, listener.Addr().String())
	t.Setenv("SSH_AUTH_SOCK", "")

	conf := ClientConfig{
		User:            "testuser",
		Port:            port,
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = Dial(ctx, "127.0.0.1", conf)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "context deadline exceeded") {
		t.Errorf("expected context deadline exceeded, got: %v", err)
	}
}

func TestResolveHostKeyCallback(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if _, err := resolveHostKeyCallback(ClientConfig{}); err == nil || !strings.Contains(err.Error(), "no known_hosts file") {
		t.Errorf("expected missing known_hosts error, got %v", err)
	}

	cb, err := resolveHostKeyCallback(ClientConfig{AcceptUnknownHosts: true})
	if err != nil || cb == nil {
		t.Errorf("insecure: cb=%v err=%v", cb, err)
	}

	cb, err = resolveHostKeyCallback(ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()})
	if err != nil || cb == nil {
		t.Errorf("explicit: cb=%v err=%v", cb, err)
	}
}

func TestParseJumpHost(t *testing.T) {
	tests := []struct {
		spec     string
		wantUser string
		wantHost string
		wantPort int
	}{
		{"bastion", "", "bastion", 0},
		{"ec2-user@bastion", "ec2-user", "bastion", 0},
		{"bastion:2222", "", "bastion", 2222},
		{"ec2-user@bastion:2222", "ec2-user", "bastion", 2222},
		{"  user@host:22  ", "user", "host", 22},
	}

	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			user, host, port := parseJumpHost(tc.spec)
			if user != tc.wantUser || host != tc.wantHost || port != tc.wantPort {
				t.Errorf("parseJumpHost(%q) = (%q, %q, %d), want (%q, %q, %d)",
					tc.spec, user, host, port, tc.wantUser, tc.wantHost, tc.wantPort)
			}
		})
	}
}

func TestProxyJumpNone(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "direct\n", "", 0
	}))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	t.Setenv("SSH_AUTH_SOCK", "")

	client, err := Dial(context.Background(), host, ClientConfig{
		User:            "testuser",
		Port:            port,
		IdentityFiles:   []string{keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		ProxyJump:       "none",
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if len(client.hops) != 0 {
		t.Errorf("expected no hops, got %d", len(client.hops))
	}
}

func TestProxyJumpSingleHop(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)

	bastionAddr, bastionCleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithForwardTCP())
	defer bastionCleanup()

	targetAddr, targetCleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "from-target\n", "", 0
	}))
	defer targetCleanup()

	bastionHost, bastionPort := sshtest.ParseAddr(t, bastionAddr)
	targetHost, targetPort := sshtest.ParseAddr(t, targetAddr)
	t.Setenv("SSH_AUTH_SOCK", "")

	client, err := Dial(context.Background(), targetHost, ClientConfig{
		User:            "testuser",
		Port:            targetPort,
		IdentityFiles:   []string{keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		ProxyJump:       fmt.Sprintf("testuser@%s:%d", bastionHost, bastionPort),
	})
	if err != nil {
		t.Fatalf("dial via proxy: %v", err)
	}
	defer client.Close()

	stdout, _, exitCode, err := client.RunCommand(context.Background(), "hello")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if exitCode != 0 || string(stdout) != "from-target\n" {
		t.Errorf("unexpected result: exit=%d stdout=%q", exitCode, stdout)
	}
	if len(client.hops) != 1 {
		t.Errorf("expected 1 hop, got %d", len(client.hops))
	}
}

func TestProxyJumpUnreachableBastion(t *testing.T) {
	_, keyPath := sshtest.GenerateKey(t)
	t.Setenv("SSH_AUTH_SOCK", "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), "10.0.0.1", ClientConfig{
		User:            "testuser",
		IdentityFiles:   []string{keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		ProxyJump:       deadAddr,
	})
	if err == nil {
		t.Fatal("expected error dialing through a dead bastion")
	}
	if !strings.Contains(err.Error(), "dial jump host") {
		t.Errorf("error should name the jump host, got %v", err)
	}
}

func TestDialTCPThroughBastion(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)

	bastionAddr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithForwardTCP())
	defer cleanup()

	echoAddr := startEcho(t)
	host, port := sshtest.ParseAddr(t, bastionAddr)
	client := dialTestClient(t, host, port, keyPath)
	defer client.Close()

	conn, err := client.DialTCP(context.Background(), echoAddr)
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "ping\n")
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "echo:ping\n" {
		t.Errorf("got %q, want echo:ping", line)
	}
}

func TestDialTCPRejectedWithoutForwarding(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	client := dialTestClient(t, host, port, keyPath)
	defer client.Close()

	if _, err := client.DialTCP(context.Background(), startEcho(t)); err == nil {
		t.Fatal("expected error when the server refuses direct-tcpip")
	}
}
