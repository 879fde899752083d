// Package ari is the facade over the external call-control endpoint.
// It exposes imperative operations on channels (call legs) and bridges
// (mixing containers) plus a websocket event stream, and classifies
// remote failures into not-found and unreachable so callers can pick the
// correct recovery path per call site.
package ari

import "context"

// Caller is the presentation identity attached to a channel.
type Caller struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Channel is one call leg as reported by the call-control endpoint.
type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller Caller `json:"caller"`
	// Vars holds the channel variables snapshot carried on events.
	// Only populated when the endpoint is configured to attach them.
	Vars map[string]string `json:"channelvars,omitempty"`
}

// Bridge is a mixing container joining two or more channels.
type Bridge struct {
	ID       string   `json:"id"`
	Type     string   `json:"bridge_type"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
}

// OriginateRequest describes a new outbound channel.
type OriginateRequest struct {
	Endpoint string
	// App and AppArgs route the channel into a control application
	// once it answers.
	App     string
	AppArgs []string
	// CallerID is the presentation used for the new leg, formatted as
	// `"Name" <number>`.
	CallerID string
	// Variables are set on the channel before dialing.
	Variables map[string]string
}

// BridgeCreateRequest describes a new mixing bridge. ID is optional; when
// set, the endpoint hosts the bridge under that exact id.
type BridgeCreateRequest struct {
	ID   string
	Type string
	Name string
}

// Channels exposes the channel operations the engine needs.
type Channels interface {
	Get(ctx context.Context, id string) (*Channel, error)
	List(ctx context.Context) ([]Channel, error)
	Hangup(ctx context.Context, id string) error
	Ring(ctx context.Context, id string) error
	RingStop(ctx context.Context, id string) error
	Hold(ctx context.Context, id string) error
	Unhold(ctx context.Context, id string) error
	GetVar(ctx context.Context, id, name string) (string, error)
	SetVar(ctx context.Context, id, name, value string) error
	Originate(ctx context.Context, req OriginateRequest) (*Channel, error)
}

// Bridges exposes the bridge operations the engine needs. Variables are
// scoped per bridge id; the endpoint has no native bridge variables, so
// the client maps them onto namespaced global variables.
type Bridges interface {
	Create(ctx context.Context, req BridgeCreateRequest) (*Bridge, error)
	Get(ctx context.Context, id string) (*Bridge, error)
	List(ctx context.Context) ([]Bridge, error)
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	Destroy(ctx context.Context, id string) error
	GetVar(ctx context.Context, bridgeID, name string) (string, error)
	SetVar(ctx context.Context, bridgeID, name, value string) error
}

// Client bundles the channel and bridge capabilities with a liveness check.
type Client interface {
	Channels() Channels
	Bridges() Bridges
	Ping(ctx context.Context) error
}
