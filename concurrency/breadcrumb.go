package concurrency

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// BreadcrumbBuffer is a fixed-capacity ring of recent log entries kept
// so an Internal error (spec §7) can be reported alongside the
// breadcrumb trail that led to it, without holding the process's
// entire log history in memory. It implements logrus.Hook so it can be
// attached to the same logger every package already logs through.
type BreadcrumbBuffer struct {
	mu       sync.Mutex
	maxBytes int
	entries  []string
	size     int
}

// NewBreadcrumbBuffer returns a buffer that truncates by dropping its
// oldest entries once the running total exceeds maxBytes (config
// breadcrumb_max_bytes, default 10 KB per spec §7).
func NewBreadcrumbBuffer(maxBytes int) *BreadcrumbBuffer {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024
	}
	return &BreadcrumbBuffer{maxBytes: maxBytes}
}

// Levels reports that this hook fires for every level; the buffer is a
// trail of everything logged, not just warnings and above.
func (b *BreadcrumbBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire cuts the formatted entry to at most maxBytes, appends it, and
// evicts the oldest entries first until the buffer fits within
// maxBytes again.
func (b *BreadcrumbBuffer) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	if len(line) > b.maxBytes {
		line = line[:b.maxBytes]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, line)
	b.size += len(line)
	for b.size > b.maxBytes && len(b.entries) > 0 {
		b.size -= len(b.entries[0])
		b.entries = b.entries[1:]
	}
	return nil
}

// Snapshot returns the trail currently held, oldest first, for
// inclusion in an Internal error report.
func (b *BreadcrumbBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.entries))
	copy(out, b.entries)
	return out
}

// Reset clears the trail so unrelated future failures don't drag along
// a stale trail.
func (b *BreadcrumbBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.size = 0
}
