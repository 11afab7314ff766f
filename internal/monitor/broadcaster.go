package monitor

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSinkClosed is returned by a sink that no longer accepts events.
	ErrSinkClosed = errors.New("monitor: sink closed")
	// ErrSlowConsumer is returned when a sink's buffer is full.
	ErrSlowConsumer = errors.New("monitor: sink buffer full")
)

// Sink receives monitor events. Send must not block.
type Sink interface {
	Send(Event) error
	Close() error
}

// Broadcaster fans events out to the monitor clients of one call.
//
// Subscribe and Publish run under one lock, so a subscriber's snapshot and
// the events that follow it never overlap and never leave a gap.
type Broadcaster struct {
	callSid string
	logger  *zap.Logger

	mu     sync.Mutex
	sinks  map[string]Sink
	closed bool
}

// NewBroadcaster creates the broadcaster for one call.
func NewBroadcaster(callSid string, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		callSid: callSid,
		logger:  logger,
		sinks:   make(map[string]Sink),
	}
}

// Subscribe adds sink and delivers the snapshot built by snapshot before any
// later event. snapshot may be nil for sinks that only want increments.
// It returns "" if the sink could not be attached.
func (b *Broadcaster) Subscribe(sink Sink, snapshot func() Event) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		_ = sink.Close()
		return ""
	}
	if snapshot != nil {
		if err := sink.Send(snapshot()); err != nil {
			b.logger.Debug("snapshot delivery failed", zap.String("call_sid", b.callSid), zap.Error(err))
			go sink.Close()
			return ""
		}
	}

	id := uuid.NewString()
	b.sinks[id] = sink
	return id
}

// Unsubscribe removes a sink. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sink, ok := b.sinks[id]
	delete(b.sinks, id)
	b.mu.Unlock()

	if ok {
		_ = sink.Close()
	}
}

// Publish delivers ev to every current sink, dropping sinks that fail.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(ev)
}

// Apply runs fn and publishes the event it returns under the broadcaster
// lock, so a concurrent Subscribe sees either the state before fn and the
// event, or the state after fn and not the event.
func (b *Broadcaster) Apply(fn func() (Event, bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev, ok := fn(); ok {
		b.publishLocked(ev)
	}
}

func (b *Broadcaster) publishLocked(ev Event) {
	if b.closed {
		return
	}
	for id, sink := range b.sinks {
		if err := sink.Send(ev); err != nil {
			b.logger.Debug("removing monitor sink",
				zap.String("call_sid", b.callSid), zap.String("sink", id), zap.Error(err))
			delete(b.sinks, id)
			go sink.Close()
		}
	}
}

// Count returns the number of attached sinks.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

// Close detaches and closes every sink. Later Subscribe calls are refused.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = make(map[string]Sink)
	b.closed = true
	b.mu.Unlock()

	for _, s := range sinks {
		_ = s.Close()
	}
}
