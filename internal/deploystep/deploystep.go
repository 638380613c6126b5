// Package deploystep runs the per-host deploy: an optional artifact upload
// followed by an ordered command script over SSH.
package deploystep

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/agent462/drover/internal/config"
	"github.com/agent462/drover/internal/executor"
	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/target"
	"github.com/agent462/drover/internal/transfer"
)

// Step deploys to one unit. It is called exactly once per unit.
type Step interface {
	Deploy(ctx context.Context, unit target.Unit) error
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, unit target.Unit) error

// Deploy implements Step.
func (f StepFunc) Deploy(ctx context.Context, unit target.Unit) error { return f(ctx, unit) }

// DeployError reports a failed deploy step.
type DeployError struct {
	Host  string
	Phase string // "render", "upload" or "command"
	Err   error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy %s failed on %s: %v", e.Phase, e.Host, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

// TemplateData is what deploy command templates can read, e.g.
// "{{.Options.branch}}" or "{{if .HasRole \"db\"}}...{{end}}".
type TemplateData struct {
	Host     string
	Hostname string
	Roles    []string
	Options  target.OptionBag
	Artifact string // remote artifact path, empty without one
}

// HasRole reports whether the unit carries role.
func (d TemplateData) HasRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type artifact struct {
	local  string
	remote string
	mode   os.FileMode
}

// SSHStep uploads the artifact and runs the deploy commands on the host.
type SSHStep struct {
	exec     *executor.Executor
	uploader *transfer.Uploader
	artifact *artifact
	commands []*template.Template
	sudo     bool
	logger   *logrus.Entry
}

// NewSSHStep builds a step from the deploy section. Command templates are
// parsed here so that syntax errors surface before any host is touched.
// provider may be nil when no artifact is configured.
func NewSSHStep(runner executor.Runner, provider transfer.ClientProvider, d config.Deploy, logger *logrus.Entry, opts ...executor.Option) (*SSHStep, error) {
	s := &SSHStep{
		exec:   executor.New(runner, opts...),
		sudo:   d.Sudo,
		logger: logging.OrDiscard(logger).WithField("subservice", "deploy"),
	}

	for i, cmd := range d.Commands {
		tmpl, err := template.New(fmt.Sprintf("command %d", i+1)).Option("missingkey=error").Parse(cmd)
		if err != nil {
			return nil, fmt.Errorf("parse deploy command %d: %w", i+1, err)
		}
		s.commands = append(s.commands, tmpl)
	}

	if a := d.Artifact; a != nil {
		if provider == nil {
			return nil, fmt.Errorf("artifact upload needs an ssh client provider")
		}
		mode, err := a.FileMode()
		if err != nil {
			return nil, err
		}
		s.artifact = &artifact{local: a.Local, remote: a.Remote, mode: mode}
		s.uploader = transfer.NewUploader(provider)
	}

	return s, nil
}

// Deploy implements Step.
func (s *SSHStep) Deploy(ctx context.Context, unit target.Unit) error {
	log := s.logger.WithField("host", unit.Host)

	commands, err := s.Render(unit)
	if err != nil {
		return &DeployError{Host: unit.Host, Phase: "render", Err: err}
	}

	if s.artifact != nil {
		res := s.uploader.Push(ctx, unit.Host, s.artifact.local, s.artifact.remote, s.artifact.mode, nil)
		if res.Err != nil {
			return &DeployError{Host: unit.Host, Phase: "upload", Err: res.Err}
		}
		log.WithFields(logrus.Fields{
			"bytes":    res.BytesSent,
			"sha256":   res.Checksum,
			"duration": res.Duration,
		}).Info("Uploaded artifact")
	}

	results, err := s.exec.RunScript(ctx, unit.Host, commands)
	for _, r := range results {
		log.WithFields(logrus.Fields{
			"command":   r.Command,
			"exit_code": r.ExitCode,
			"duration":  r.Duration,
		}).Debug(strings.TrimSpace(string(r.Stdout)))
	}
	if err != nil {
		return &DeployError{Host: unit.Host, Phase: "command", Err: err}
	}

	log.WithField("commands", len(commands)).Info("Deploy commands finished")
	return nil
}

// Render expands the command templates for unit.
func (s *SSHStep) Render(unit target.Unit) ([]string, error) {
	data := TemplateData{
		Host:     unit.Host,
		Hostname: unit.Hostname(),
		Roles:    unit.Roles,
		Options:  unit.EffectiveOptions(),
	}
	if s.artifact != nil {
		data.Artifact = s.artifact.remote
	}

	out := make([]string, 0, len(s.commands))
	for _, tmpl := range s.commands {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, err
		}
		cmd := strings.TrimSpace(buf.String())
		if cmd == "" {
			continue
		}
		if s.sudo {
			// -n fails fast instead of waiting on a password prompt.
			cmd = "sudo -n " + cmd
		}
		out = append(out, cmd)
	}
	return out, nil
}
