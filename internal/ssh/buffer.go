package ssh

import (
	"fmt"
	"sync"
)

// maxCapture bounds the output kept per stream of one remote command.
const maxCapture = 1 << 20

// tailBuffer is a goroutine-safe writer that keeps only the last limit
// bytes written to it. Only the tail of a long deploy log matters when a
// command fails.
type tailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int64
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.limit {
		b.dropped += int64(len(b.buf) + len(p) - b.limit)
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return len(p), nil
	}

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.dropped += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// Bytes returns a copy of the kept output, prefixed with a marker when
// earlier output was dropped.
func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []byte
	if b.dropped > 0 {
		out = fmt.Appendf(out, "[%d bytes truncated]\n", b.dropped)
	}
	return append(out, b.buf...)
}
