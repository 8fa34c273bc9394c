// Package events fans channel state changes out to SSE subscribers.
package events

import (
	"sync"
	"time"

	"github.com/magstab/magstab-go/internal/models"
)

const subBufferSize = 8

// Reasons an event is published.
const (
	ReasonState   = "state"   // operator change (voltage, register, flags)
	ReasonRefresh = "refresh" // periodic readback by the monitor
	ReasonLoad    = "load"    // LDAC strobe moved DATA to the output
	ReasonFault   = "fault"   // a channel went offline
)

// Event is a state change. Channel is -1 when the event is not scoped to a
// single channel.
type Event struct {
	Seq     uint64       `json:"seq"`
	Reason  string       `json:"reason"`
	Channel int          `json:"channel"`
	Time    time.Time    `json:"time"`
	State   models.State `json:"state"`
}

// Bus is a non-blocking publish-subscribe bus. A subscriber that falls
// behind loses events rather than stalling the controller; Dropped counts
// them.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	dropped uint64
	subs    map[string]chan Event
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers id and returns its event channel. Subscribing an id
// twice replaces (and closes) the earlier channel.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	ch := make(chan Event, subBufferSize)
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish stamps and delivers an event to every subscriber and returns its
// sequence number. The state must not be mutated by the caller afterwards.
func (b *Bus) Publish(reason string, channel int, state models.State) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev := Event{Seq: b.seq, Reason: reason, Channel: channel, Time: time.Now(), State: state}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
	return ev.Seq
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
