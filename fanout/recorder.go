package fanout

import (
	"context"
	"sync"

	"github.com/karthikraju391/marketplace-chat/events"
)

// Recorder is a Publisher that keeps every envelope in publish order. It
// backs single-process tools and tests that need to observe fan-out.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
	err       error
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.envelopes = append(r.envelopes, env)
	return nil
}

// FailWith makes subsequent publishes return err; nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Envelopes returns a copy of what has been published so far.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envelopes...)
}

// Events decodes every recorded payload of the given kind, in order.
func (r *Recorder) Events(kind events.Kind) []Recorded {
	var out []Recorded
	for _, env := range r.Envelopes() {
		if len(env.Payload) == 0 {
			continue
		}
		ev, err := env.Event()
		if err != nil || ev.Kind() != kind {
			continue
		}
		out = append(out, Recorded{Envelope: env, Event: ev})
	}
	return out
}

// Reset forgets recorded envelopes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.envelopes = nil
	r.mu.Unlock()
}

// Recorded pairs an envelope with its decoded event.
type Recorded struct {
	Envelope Envelope
	Event    events.Event
}
