// ABOUTME: Event relay types for delivering bridged platform messages
// ABOUTME: Defines the Sink interface and a buffered channel implementation

package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Event is one inbound message observed in a user's management room after the
// bridge is connected.
type Event struct {
	UserID   string
	Platform string
	RoomID   string
	Sender   string
	Body     string
	At       time.Time
}

// Sink receives bridged events. Implementations must not block; slow consumers
// should buffer or drop.
type Sink interface {
	Deliver(ctx context.Context, evt Event)
}

// ChannelSink buffers events on a channel for a downstream consumer. Events
// are dropped when the buffer is full so sync loops never stall.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int, logger *slog.Logger) *ChannelSink {
	return &ChannelSink{
		ch:     make(chan Event, size),
		logger: logger.With("component", "relay"),
	}
}

// Deliver enqueues the event, dropping it if the buffer is full.
func (s *ChannelSink) Deliver(ctx context.Context, evt Event) {
	select {
	case s.ch <- evt:
	default:
		s.dropped.Add(1)
		s.logger.Warn("relay buffer full, dropping event",
			"user_id", evt.UserID, "platform", evt.Platform)
	}
}

// Events returns the channel consumers read from.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events dropped due to a full buffer.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}
