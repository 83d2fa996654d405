// Package eventbus is the in-process publish/subscribe channel for domain
// events. It is a side channel: nothing a subscriber does can fail a publish.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jcmexdev/btc-coordinator/internal/audit"
)

// DefaultHistorySize bounds the retained event ring when none is configured.
const DefaultHistorySize = 1024

// Event is a published Payload together with its envelope.
type Event struct {
	Seq       int64
	Source    string
	Payload   Payload
	Timestamp time.Time
}

// Kind is a shortcut for e.Payload.Kind().
func (e Event) Kind() Kind { return e.Payload.Kind() }

// Handler consumes one event. A returned error or a panic is logged and
// otherwise ignored.
type Handler func(ctx context.Context, e Event) error

// Recorder is the part of the audit log the bus writes to.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

type subscription struct {
	id      int
	handler Handler
}

// Bus fans events out to subscribers in registration order.
type Bus struct {
	mu      sync.RWMutex
	nextSeq int64
	nextSub int
	limit   int
	history []Event
	subs    map[Kind][]subscription
	audit   Recorder
}

// New returns a Bus retaining at most historySize events. rec may be nil.
func New(historySize int, rec Recorder) *Bus {
	if historySize < 1 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		limit: historySize,
		subs:  make(map[Kind][]subscription),
		audit: rec,
	}
}

// Subscribe registers h for kind and returns a function that removes it.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		for i, s := range subs {
			if s.id == id {
				b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers p to every subscriber of its kind, then writes one audit
// entry. It never fails because of a subscriber.
func (b *Bus) Publish(ctx context.Context, p Payload, source string) Event {
	b.mu.Lock()
	b.nextSeq++
	ev := Event{
		Seq:       b.nextSeq,
		Source:    source,
		Payload:   p,
		Timestamp: time.Now().UTC(),
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		b.history = append([]Event(nil), b.history[len(b.history)-b.limit:]...)
	}
	subs := append([]subscription(nil), b.subs[p.Kind()]...)
	b.mu.Unlock()

	failed := 0
	for _, s := range subs {
		if err := deliver(ctx, s.handler, ev); err != nil {
			failed++
			slog.WarnContext(ctx, "event subscriber failed",
				"kind", string(ev.Kind()),
				"seq", ev.Seq,
				"error", err,
			)
		}
	}

	if b.audit != nil {
		entry := audit.NewEntry(ctx, source, "event_"+string(p.Kind()), p.Owner(), "",
			fmt.Sprintf("seq=%d delivered=%d failed=%d", ev.Seq, len(subs)-failed, failed))
		if _, err := b.audit.Record(ctx, entry); err != nil {
			slog.WarnContext(ctx, "event audit write failed", "kind", string(ev.Kind()), "error", err)
		}
	}
	return ev
}

func deliver(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: subscriber panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// History returns retained events with a sequence greater than fromSeq,
// oldest first.
func (b *Bus) History(fromSeq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range b.history {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// HistorySize reports how many events are currently retained.
func (b *Bus) HistorySize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

// SubscriberCount reports the number of registered handlers across all kinds.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
