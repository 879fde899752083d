// Package bus carries domain events to and from the message broker.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Message is one domain event headed for the bus.
type Message struct {
	// Name is the stable event name, e.g. "transfer_created".
	Name string
	// RoutingKey places the event in the exchange topology,
	// e.g. "calls.transfer.created".
	RoutingKey string
	// Payload is the JSON-marshalable event body.
	Payload any
}

// Publisher is the interface for publishing domain events.
// Implementations may be no-op, logging, in-memory (for testing), or
// AMQP for production.
type Publisher interface {
	// Publish sends an event. Returns error only for transport
	// failures, not for invalid events.
	Publish(ctx context.Context, msg Message) error

	// Close releases resources.
	Close() error
}

// NoopPublisher discards all events. Use when no broker is configured.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, msg Message) error {
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}

// LoggingPublisher logs events at debug level. Useful for development.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, msg Message) error {
	p.logger.Debug("event published",
		"name", msg.Name,
		"routing_key", msg.RoutingKey,
	)
	return nil
}

func (p *LoggingPublisher) Close() error {
	return nil
}

// ChannelPublisher publishes to an in-memory channel. Used for testing
// and for local event processing.
type ChannelPublisher struct {
	mu        sync.Mutex
	ch        chan Message
	closed    bool
	dropCount int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
// Events are dropped if the buffer is full.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{
		ch: make(chan Message, bufferSize),
	}
}

func (p *ChannelPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	select {
	case p.ch <- msg:
	default:
		atomic.AddInt64(&p.dropCount, 1)
		slog.Warn("[Bus] Event buffer full, dropping", "name", msg.Name)
	}
	return nil
}

// Messages returns the channel events are delivered on.
func (p *ChannelPublisher) Messages() <-chan Message {
	return p.ch
}

// DroppedCount returns how many events were dropped due to a full buffer.
func (p *ChannelPublisher) DroppedCount() int64 {
	return atomic.LoadInt64(&p.dropCount)
}

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// MultiPublisher fans events out to several publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that forwards to all targets.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, msg Message) error {
	var firstErr error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *MultiPublisher) Close() error {
	var firstErr error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
