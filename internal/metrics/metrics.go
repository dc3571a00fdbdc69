// Package metrics is a tiny process-global metrics facade.
//
// The write path emits counters and histograms through package functions;
// the CLI decides at startup which backend receives them. The default
// backend drops everything, so library code can instrument unconditionally.
package metrics

import "sync"

// Labels are attached to every point. Backends may re-encode them (tags,
// label pairs) as their protocol needs.
type Labels map[string]string

// Backend receives metric points.
//
// Concurrency:
//   - Implementations must be safe for concurrent use; engines emit from
//     worker goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer points and can push them
// out on demand (end of run, shutdown).
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process backend. nil restores the nop
// backend. Call once at startup before any engine runs.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		current = nopBackend{}
		return
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter adds delta to a counter on the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram records one histogram observation on the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered points if the installed backend buffers any.
func Flush() error {
	if f, ok := backend().(Flusher); ok {
		return f.Flush()
	}
	return nil
}
