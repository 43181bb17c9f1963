package log

import "sync"

// Recorder keeps events in memory. Tests and the interactive client's
// "trace" command use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder creates a Recorder retaining at most limit events (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Log stores the event, evicting the oldest when the limit is reached.
func (r *Recorder) Log(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Match returns the recorded events accepted by filter.
func (r *Recorder) Match(filter Filter) []Event {
	var out []Event
	for _, e := range r.Events() {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Compile-time interface satisfaction check.
var _ Logger = (*Recorder)(nil)
