// Package registry owns the set of connected identities, the outbound channel
// bound to each of them, and the in-memory transcript of relayed messages.
//
// A Registry knows nothing about wire formats: frames are opaque byte slices
// handed to a Channel. All methods are safe for concurrent use.
package registry

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Channel delivers serialized frames to one specific connection.
type Channel interface {
	Send(frame []byte) error
}

type session struct {
	ch  Channel
	seq uint64
}

// Registry maps identities to live sessions and retains the transcript.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]session
	seq      uint64

	tmu        sync.Mutex
	transcript *transcript

	log *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report delivery failures.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithTranscriptLimit bounds the transcript to the n most recent messages.
// A value of zero or less keeps every message.
func WithTranscriptLimit(n int) Option {
	return func(r *Registry) {
		r.transcript = newTranscript(n)
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]session),
		transcript: newTranscript(DefaultTranscriptLimit),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reserve binds ch to identity if, and only if, no session currently holds
// identity. The test and the bind happen in one critical section, so two
// concurrent reservations of the same name cannot both succeed.
func (r *Registry) Reserve(identity string, ch Channel) bool {
	if ch == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[identity]; taken {
		return false
	}
	r.seq++
	r.sessions[identity] = session{ch: ch, seq: r.seq}
	return true
}

// Release removes identity and its channel. Releasing an identity that is not
// connected is a no-op.
func (r *Registry) Release(identity string) {
	r.mu.Lock()
	delete(r.sessions, identity)
	r.mu.Unlock()
}

// IsTaken reports whether identity is currently connected.
func (r *Registry) IsTaken(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[identity]
	return ok
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Online returns a snapshot of the connected identities in the order they
// were reserved.
func (r *Registry) Online() []string {
	r.mu.RLock()
	entries := lo.Entries(r.sessions)
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b lo.Entry[string, session]) int {
		return cmp.Compare(a.Value.seq, b.Value.seq)
	})
	return lo.Map(entries, func(e lo.Entry[string, session], _ int) string {
		return e.Key
	})
}

// SendTo delivers frame to identity's channel. It returns false when the
// identity is not connected or the delivery failed; neither case changes any
// registry state.
func (r *Registry) SendTo(identity string, frame []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[identity]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.deliver(identity, s.ch, frame)
}

// Broadcast delivers frame to every connected session except exclude. An
// empty exclude reaches everyone. Each delivery is attempted independently;
// the number of successful deliveries is returned.
func (r *Registry) Broadcast(frame []byte, exclude string) int {
	r.mu.RLock()
	targets := make(map[string]Channel, len(r.sessions))
	for identity, s := range r.sessions {
		if exclude != "" && identity == exclude {
			continue
		}
		targets[identity] = s.ch
	}
	r.mu.RUnlock()

	delivered := 0
	for identity, ch := range targets {
		if r.deliver(identity, ch, frame) {
			delivered++
		}
	}
	return delivered
}

// deliver sends one frame and converts both errors and panics raised by the
// channel into a logged false.
func (r *Registry) deliver(identity string, ch Channel, frame []byte) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("channel panicked during delivery",
				zap.String("identity", identity),
				zap.Error(fmt.Errorf("%v", rec)))
			ok = false
		}
	}()

	if err := ch.Send(frame); err != nil {
		r.log.Warn("frame delivery failed",
			zap.String("identity", identity),
			zap.Error(err))
		return false
	}
	return true
}

// Record appends msg to the transcript.
func (r *Registry) Record(msg Message) {
	r.tmu.Lock()
	r.transcript.append(msg)
	r.tmu.Unlock()
}

// MessagesFor returns every retained message sent or received by identity,
// in the order they were recorded.
func (r *Registry) MessagesFor(identity string) []Message {
	r.tmu.Lock()
	all := r.transcript.ordered()
	r.tmu.Unlock()

	return lo.Filter(all, func(m Message, _ int) bool {
		return m.Involves(identity)
	})
}

// TranscriptLen returns the number of retained messages.
func (r *Registry) TranscriptLen() int {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	return r.transcript.len()
}
