package ari

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/switchyard/internal/logger"
)

// StreamConfig holds connection settings for the event stream.
type StreamConfig struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8088/ari/events".
	URL      string
	Username string
	Password string
	// App is the control application to subscribe as.
	App string
	// StartupTries bounds the initial connection attempts; exhausting
	// them is fatal for the daemon.
	StartupTries int
	// RetryDelay is the fixed delay between connection attempts, both at
	// startup and on steady-state reconnects.
	RetryDelay time.Duration
}

// DefaultStreamConfig returns sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:          "ws://localhost:8088/ari/events",
		StartupTries: 30,
		RetryDelay:   2 * time.Second,
	}
}

// Handler consumes one decoded event. Handlers run on the stream's read
// goroutine; a handler that blocks delays event delivery.
type Handler func(ctx context.Context, ev *Event)

// Stream maintains the websocket subscription to the call-control event
// feed. Reconnection uses a fixed delay, never backoff: the endpoint
// restarting is routine and the engine should reattach promptly.
type Stream struct {
	cfg     StreamConfig
	handler Handler
	conn    *websocket.Conn
}

// NewStream creates an event stream that dispatches into handler.
func NewStream(cfg StreamConfig, handler Handler) *Stream {
	if cfg.StartupTries <= 0 {
		cfg.StartupTries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Stream{cfg: cfg, handler: handler}
}

// Connect performs the bounded startup connection loop.
func (s *Stream) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.StartupTries; attempt++ {
		conn, err := s.dial(ctx)
		if err == nil {
			s.conn = conn
			logger.Info("[Stream] Connected to event feed", "url", s.cfg.URL, "app", s.cfg.App)
			return nil
		}
		lastErr = err
		logger.Info("[Stream] Event feed not ready, retrying",
			"attempt", attempt,
			"tries", s.cfg.StartupTries,
			"delay", s.cfg.RetryDelay,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("event feed unreachable after %d attempts: %w", s.cfg.StartupTries, lastErr)
}

// Run reads events until ctx is done, reconnecting with a fixed delay on
// any stream failure. Connect must have succeeded first.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if s.conn != nil {
			s.readLoop(ctx, s.conn)
			s.conn = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryDelay):
		}

		conn, err := s.dial(ctx)
		if err != nil {
			logger.Warn("[Stream] Reconnect failed, retrying", "delay", s.cfg.RetryDelay, "error", err)
			continue
		}
		logger.Info("[Stream] Reconnected to event feed", "url", s.cfg.URL)
		s.conn = conn
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("[Stream] Event feed connection lost", "error", err)
			}
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			logger.Warn("[Stream] Dropping undecodable event", "error", err)
			continue
		}
		s.handler(ctx, ev)
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	if s.cfg.App != "" {
		q.Set("app", s.cfg.App)
	}
	if s.cfg.Username != "" {
		q.Set("api_key", s.cfg.Username+":"+s.cfg.Password)
	}
	// Channel variable snapshots on events let the router classify legs
	// after they are destroyed.
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode > 0 {
			return nil, fmt.Errorf("dial %s: status %d: %w", redact(u), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(u), err)
	}
	return conn, nil
}

// redact strips credentials from the URL used in error messages.
func redact(u *url.URL) string {
	clean := *u
	q := clean.Query()
	if q.Has("api_key") {
		q.Set("api_key", "***")
		clean.RawQuery = q.Encode()
	}
	return strings.TrimSpace(clean.String())
}
