package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent462/drover/internal/sshtest"
)

func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("SSH_AUTH_SOCK", "")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = execute(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

const staticConfig = `
deploy:
  commands:
    - "systemctl restart shop"
roles:
  - name: web
    hosts: [web-01, web-02]
  - name: worker
    hosts: [web-02, jobs-01]
`

func TestDryRunRolling(t *testing.T) {
	isolate(t)
	path := writeConfig(t, staticConfig)

	code, out, errOut := runCLI("--config", path, "rolling", "--dry-run")

	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "strategy: rolling")
	assert.Contains(t, out, "units (3):")
	assert.Contains(t, out, "web-02 roles=web,worker")
	assert.NotContains(t, out, "pool size")
}

func TestDryRunParallelWithoutLoadBalancer(t *testing.T) {
	isolate(t)
	path := writeConfig(t, staticConfig)

	code, out, _ := runCLI("--config", path, "parallel", "--dry-run", "--worker-size", "3")

	require.Equal(t, 0, code)
	assert.Contains(t, out, "pool size: 3\n")
}

func TestDeployUsesConfiguredStrategy(t *testing.T) {
	isolate(t)
	path := writeConfig(t, staticConfig+"defaults:\n  strategy: parallel\n")

	code, out, _ := runCLI("--config", path, "deploy", "--dry-run")

	require.Equal(t, 0, code)
	assert.Contains(t, out, "strategy: parallel")
	assert.Contains(t, out, "pool size: 5\n")
}

func TestRoleFilter(t *testing.T) {
	isolate(t)
	path := writeConfig(t, staticConfig)

	code, out, _ := runCLI("--config", path, "rolling", "--dry-run", "--role", "worker")

	require.Equal(t, 0, code)
	assert.Contains(t, out, "units (2):")
	assert.NotContains(t, out, "web-01")
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		args   []string
		want   string
	}{
		{
			name:   "unknown role",
			config: staticConfig,
			args:   []string{"rolling", "--role", "db"},
			want:   "db",
		},
		{
			name: "load balanced without aws",
			config: `
deploy:
  commands: ["true"]
roles:
  - name: web
    hosts: [web-01]
    options:
      load_balanced: true
`,
			args: []string{"rolling"},
			want: "aws.project_tag",
		},
		{
			name: "bad healthcheck",
			config: `
deploy:
  commands: ["true"]
roles:
  - name: web
    hosts: [web-01]
    options:
      healthcheck:
        path: /status
`,
			args: []string{"rolling"},
			want: "port",
		},
		{
			name:   "bad worker size",
			config: staticConfig,
			args:   []string{"parallel", "--worker-size", "0"},
			want:   "worker_size",
		},
		{
			name:   "bad output",
			config: staticConfig,
			args:   []string{"rolling", "--output", "yaml"},
			want:   "output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			path := writeConfig(t, tt.config)

			code, _, errOut := runCLI(append([]string{"--config", path}, tt.args...)...)

			assert.Equal(t, exitUsage, code)
			assert.Contains(t, errOut, tt.want)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	isolate(t)
	code, _, errOut := runCLI("--config", filepath.Join(t.TempDir(), "nope.yaml"), "rolling")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "reading config file")
}

func sshConfig(t *testing.T, port int, keyPath, commands string) string {
	return writeConfig(t, fmt.Sprintf(`
ssh:
  user: testuser
  port: %d
  identity_files: [%q]
  insecure: true
deploy:
  commands:
%s
roles:
  - name: web
    hosts: ["127.0.0.1"]
`, port, keyPath, commands))
}

func TestDeployOverSSH(t *testing.T) {
	isolate(t)

	var (
		mu   sync.Mutex
		seen []string
	)
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t,
		sshtest.WithPublicKey(pubKey),
		sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
			mu.Lock()
			seen = append(seen, cmd)
			mu.Unlock()
			if strings.Contains(cmd, "fail") {
				return "", "unit shop.service failed\n", 1
			}
			return "ok\n", "", 0
		}),
	)
	defer cleanup()
	_, port := sshtest.ParseAddr(t, addr)

	t.Run("success", func(t *testing.T) {
		path := sshConfig(t, port, keyPath, `    - "echo deploying {{.Host}}"`)

		code, out, errOut := runCLI("--config", path, "rolling", "--output", "json", "--log-level", "error")

		require.Equal(t, 0, code, errOut)
		var got struct {
			Successful []string `json:"successful"`
			ExitCode   int      `json:"exit_code"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, []string{"127.0.0.1"}, got.Successful)
		mu.Lock()
		assert.Contains(t, seen, "echo deploying 127.0.0.1")
		mu.Unlock()
	})

	t.Run("failure", func(t *testing.T) {
		path := sshConfig(t, port, keyPath, `    - "fail now"`)

		code, out, _ := runCLI("--config", path, "parallel", "--log-level", "error")

		assert.Equal(t, 1, code)
		assert.Contains(t, out, "failed (1):")
		assert.Contains(t, out, "127.0.0.1")
	})
}
