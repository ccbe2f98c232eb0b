package sandbox

import (
	"io"
	"sync"
)

// maxOutputBytes caps stdout/stderr to prevent OOM from chatty tools.
const maxOutputBytes = 1 << 20 // 1 MiB

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded; the full length is always reported
// so the copying goroutine in os/exec never sees a short write.
type limitedWriter struct {
	mu        sync.Mutex
	w         io.Writer
	remaining int
	truncated bool
}

func newLimitedWriter(w io.Writer, limit int) *limitedWriter {
	return &limitedWriter{w: w, remaining: limit}
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.remaining <= 0 {
		lw.truncated = lw.truncated || len(p) > 0
		return len(p), nil
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// Truncated reports whether any output was discarded.
func (lw *limitedWriter) Truncated() bool {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.truncated
}
