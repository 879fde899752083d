package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RelayedEvent is one protocol event relayed over the bus rather than the
// direct event stream. The relay attaches the raw AMI fields as a flat
// string map; channel variables arrive as "ChanVariable(NAME)" keys.
type RelayedEvent struct {
	Name   string
	Fields map[string]string
}

// ChannelVar returns a relayed channel variable, or "".
func (e *RelayedEvent) ChannelVar(name string) string {
	return e.Fields[fmt.Sprintf("ChanVariable(%s)", name)]
}

// RelayHandler consumes one relayed event.
type RelayHandler func(ctx context.Context, ev *RelayedEvent)

// AMQPConsumer subscribes to relayed protocol events. It is a secondary
// event source: the websocket stream is primary, the bus relay covers
// legs that die while the stream is reattaching.
type AMQPConsumer struct {
	cfg     AMQPConfig
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	handler RelayHandler
}

// NewAMQPConsumer connects and binds an exclusive queue to the relayed
// event routing keys.
func NewAMQPConsumer(cfg AMQPConfig, bindings []string, handler RelayHandler) (*AMQPConsumer, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(cfg.ConnectTimeout)})
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open broker channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range bindings {
		if err := ch.QueueBind(q.Name, key, cfg.ExchangeName, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	return &AMQPConsumer{cfg: cfg, conn: conn, ch: ch, queue: q.Name, handler: handler}, nil
}

// Run consumes relayed events until ctx is done.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	slog.Info("[Bus] Consuming relayed events", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				// Broker closed the channel; let the caller decide
				// whether to rebuild the consumer.
				return fmt.Errorf("delivery channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *AMQPConsumer) dispatch(ctx context.Context, d amqp.Delivery) {
	defer func() { _ = d.Ack(false) }()

	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(d.Body, &body); err != nil {
		slog.Warn("[Bus] Dropping undecodable relayed event", "error", err)
		return
	}

	fields := make(map[string]string, len(body.Data))
	for k, v := range body.Data {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}

	name := fields["Event"]
	if name == "" {
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	c.handler(handlerCtx, &RelayedEvent{Name: name, Fields: fields})
}

// Close releases the broker connection.
func (c *AMQPConsumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
