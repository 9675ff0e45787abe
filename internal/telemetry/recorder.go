package telemetry

import "sync"

// Recorder collects signals. Used by tests and by the CLI tail command.
type Recorder struct {
	mu      sync.Mutex
	signals []Signal
	cancel  func()
}

// NewRecorder subscribes a recorder to hub.
func NewRecorder(hub *Hub) *Recorder {
	r := &Recorder{}
	r.cancel = hub.Subscribe(func(s Signal) {
		r.mu.Lock()
		r.signals = append(r.signals, s)
		r.mu.Unlock()
	})
	return r
}

// Signals returns a copy of everything recorded so far.
func (r *Recorder) Signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

// Named returns recorded signals with the given engine and name.
func (r *Recorder) Named(engine, name string) []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Signal
	for _, s := range r.signals {
		if s.Engine == engine && s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops recorded signals.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.signals = nil
	r.mu.Unlock()
}

// Close unsubscribes the recorder.
func (r *Recorder) Close() {
	r.cancel()
}
