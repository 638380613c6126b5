package transfer

import (
	"context"
	"os"
	"time"

	hssh "github.com/agent462/drover/internal/ssh"
)

// ClientProvider returns an SSH client for a host. *ssh.Pool implements it;
// clients it returns are owned by the provider and not closed here.
type ClientProvider interface {
	GetClient(ctx context.Context, host string) (*hssh.Client, error)
}

// Result holds the outcome of one upload.
type Result struct {
	Host      string
	BytesSent int64
	Duration  time.Duration
	Checksum  string
	Err       error
}

// Uploader pushes files to hosts reached through a ClientProvider.
type Uploader struct {
	provider ClientProvider
	timeout  time.Duration
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithTimeout sets the per-upload timeout.
func WithTimeout(d time.Duration) Option {
	return func(u *Uploader) {
		if d > 0 {
			u.timeout = d
		}
	}
}

// NewUploader creates an Uploader with a 5 minute default timeout.
func NewUploader(provider ClientProvider, opts ...Option) *Uploader {
	u := &Uploader{
		provider: provider,
		timeout:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Push uploads localPath to remotePath on host.
func (u *Uploader) Push(ctx context.Context, host, localPath, remotePath string, mode os.FileMode, progressFn ProgressFunc) *Result {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	start := time.Now()
	result := &Result{Host: host}

	client, err := u.provider.GetClient(ctx, host)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	result.Checksum, result.BytesSent, result.Err = PushFile(ctx, client.SSHClient(), localPath, remotePath, mode, host, progressFn)
	result.Duration = time.Since(start)
	return result
}
