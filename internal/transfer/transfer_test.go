package transfer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	gossh "golang.org/x/crypto/ssh"

	hssh "github.com/agent462/drover/internal/ssh"
	"github.com/agent462/drover/internal/sshtest"
	"github.com/agent462/drover/internal/transfer"
)

func dialTestServer(t *testing.T, addr, keyPath string) *hssh.Client {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")
	host, port := sshtest.ParseAddr(t, addr)
	client, err := hssh.Dial(context.Background(), host, hssh.ClientConfig{
		Port:               port,
		IdentityFiles:      []string{keyPath},
		AcceptUnknownHosts: true,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "release.tar.gz")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write local file: %v", err)
	}
	return p
}

func TestPushFile(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithSFTP())
	defer cleanup()

	client := dialTestServer(t, addr, keyPath)
	defer client.Close()

	content := "artifact bytes for web-01\n"
	localPath := writeArtifact(t, content)

	var progressCalls int
	progressFn := func(host string, transferred, total int64) {
		progressCalls++
		if host != "web-01" {
			t.Errorf("progress host = %q", host)
		}
	}

	// Nested directories are created on the remote side.
	remotePath := filepath.Join(t.TempDir(), "releases", "42", "release.tar.gz")
	checksum, bytesWritten, err := transfer.PushFile(context.Background(), client.SSHClient(),
		localPath, remotePath, 0, "web-01", progressFn)
	if err != nil {
		t.Fatalf("PushFile: %v", err)
	}

	if bytesWritten != int64(len(content)) {
		t.Errorf("bytes written = %d, want %d", bytesWritten, len(content))
	}
	if len(checksum) != 64 {
		t.Errorf("checksum %q is not a sha256 hex digest", checksum)
	}

	data, err := os.ReadFile(remotePath)
	if err != nil {
		t.Fatalf("read remote file: %v", err)
	}
	if string(data) != content {
		t.Errorf("remote content = %q, want %q", data, content)
	}
	if progressCalls == 0 {
		t.Error("progress callback was never called")
	}
}

func TestPushFileAppliesMode(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithSFTP())
	defer cleanup()

	client := dialTestServer(t, addr, keyPath)
	defer client.Close()

	localPath := writeArtifact(t, "#!/bin/sh\necho ok\n")
	remotePath := filepath.Join(t.TempDir(), "deploy.sh")

	if _, _, err := transfer.PushFile(context.Background(), client.SSHClient(),
		localPath, remotePath, 0755, "web-01", nil); err != nil {
		t.Fatalf("PushFile: %v", err)
	}

	info, err := os.Stat(remotePath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestPushFileMissingLocal(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithSFTP())
	defer cleanup()

	client := dialTestServer(t, addr, keyPath)
	defer client.Close()

	_, _, err := transfer.PushFile(context.Background(), client.SSHClient(),
		filepath.Join(t.TempDir(), "missing"), "/tmp/x", 0, "web-01", nil)
	if err == nil {
		t.Fatal("expected error for missing local file")
	}
}

func TestPushFileCancelled(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithSFTP())
	defer cleanup()

	client := dialTestServer(t, addr, keyPath)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := transfer.PushFile(ctx, client.SSHClient(), writeArtifact(t, "data"),
		filepath.Join(t.TempDir(), "out"), 0, "web-01", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUploaderPushThroughPool(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithSFTP())
	defer cleanup()

	_, port := sshtest.ParseAddr(t, addr)
	pool := hssh.NewPool(hssh.ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()},
		map[string]hssh.HostConfig{
			"web-01": {Hostname: "127.0.0.1", Port: port, IdentityFiles: []string{keyPath}},
		})
	defer pool.Close()

	remotePath := filepath.Join(t.TempDir(), "release.tar.gz")
	result := transfer.NewUploader(pool).Push(context.Background(), "web-01",
		writeArtifact(t, "pooled"), remotePath, 0, nil)
	if result.Err != nil {
		t.Fatalf("Push: %v", result.Err)
	}
	if result.Host != "web-01" || result.BytesSent != 6 {
		t.Errorf("unexpected result %+v", result)
	}

	// The pooled connection stays open for the deploy commands that follow.
	if !pool.IsConnected("web-01") {
		t.Error("upload must not close the pooled client")
	}
}

type failingProvider struct{ err error }

func (f failingProvider) GetClient(context.Context, string) (*hssh.Client, error) {
	return nil, f.err
}

func TestUploaderPushConnectFailure(t *testing.T) {
	boom := errors.New("connection refused")
	result := transfer.NewUploader(failingProvider{boom}).Push(context.Background(), "web-02",
		writeArtifact(t, "x"), "/tmp/x", 0, nil)
	if !errors.Is(result.Err, boom) {
		t.Fatalf("expected provider error, got %v", result.Err)
	}
	if result.Host != "web-02" {
		t.Errorf("host = %q", result.Host)
	}
}
