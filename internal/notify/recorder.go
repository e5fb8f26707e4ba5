package notify

import (
	"context"
	"sync"
)

// Recorder keeps every event in memory, in publish order
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) PublishCreated(_ context.Context, evt Event) {
	r.record(evt)
}

func (r *Recorder) PublishUpdated(_ context.Context, evt Event) {
	r.record(evt)
}

func (r *Recorder) record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of all recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// TargetEvents returns the recorded events that describe a single target
func (r *Recorder) TargetEvents() []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.IsTargetEvent() {
			out = append(out, evt)
		}
	}
	return out
}

var _ Publisher = (*Recorder)(nil)
