package ari

import (
	"encoding/json"
	"fmt"
)

// Event types delivered over the event stream that the engine reacts to.
const (
	EventStasisStart          = "StasisStart"
	EventChannelDestroyed     = "ChannelDestroyed"
	EventChannelLeftBridge    = "ChannelLeftBridge"
	EventChannelEnteredBridge = "ChannelEnteredBridge"
	EventChannelStateChange   = "ChannelStateChange"
	EventChannelVarset        = "ChannelVarset"
)

// Event is one decoded message from the event stream. Fields are optional
// depending on Type; consumers switch on Type and read what applies.
type Event struct {
	Type        string   `json:"type"`
	Application string   `json:"application"`
	Timestamp   string   `json:"timestamp"`
	Args        []string `json:"args,omitempty"`
	Channel     *Channel `json:"channel,omitempty"`
	Bridge      *Bridge  `json:"bridge,omitempty"`
	// Cause is the hangup cause code on ChannelDestroyed.
	Cause int `json:"cause,omitempty"`
}

// ChannelVar returns a variable from the channel snapshot carried on the
// event, or "" when absent.
func (e *Event) ChannelVar(name string) string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.Vars[name]
}

// ParseEvent decodes one raw stream message.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("decode event: missing type")
	}
	return &ev, nil
}
