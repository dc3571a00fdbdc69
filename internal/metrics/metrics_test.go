package metrics

import (
	"sync"
	"testing"
)

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	observed map[string][]float64
	flushed  int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		counters: map[string]float64{},
		observed: map[string][]float64{},
	}
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

func (r *recordingBackend) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[name] = append(r.observed[name], value)
}

func (r *recordingBackend) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

func TestPackageFunctionsDelegate(t *testing.T) {
	b := newRecordingBackend()
	SetBackend(b)
	defer SetBackend(nil)

	IncCounter("writepath_rows_total", 3, Labels{"kind": "inserted"})
	IncCounter("writepath_rows_total", 2, Labels{"kind": "inserted"})
	ObserveHistogram("writepath_stage_duration_seconds", 0.25, nil)

	if got := b.counters["writepath_rows_total"]; got != 5 {
		t.Fatalf("counter = %v, want 5", got)
	}
	if got := b.observed["writepath_stage_duration_seconds"]; len(got) != 1 || got[0] != 0.25 {
		t.Fatalf("observations = %v", got)
	}
}

func TestFlushReachesFlusher(t *testing.T) {
	b := newRecordingBackend()
	SetBackend(b)
	defer SetBackend(nil)

	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b.flushed != 1 {
		t.Fatalf("flushed = %d, want 1", b.flushed)
	}
}

func TestNopBackendIsSafe(t *testing.T) {
	SetBackend(nil)

	// Must not panic and must not require a backend to be installed.
	IncCounter("writepath_chunks_total", 1, nil)
	ObserveHistogram("writepath_stage_duration_seconds", 1.5, Labels{"stage": "load"})
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
}
