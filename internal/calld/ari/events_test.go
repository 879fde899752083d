package ari

import "testing"

func TestParseEvent(t *testing.T) {
	raw := []byte(`{
		"type": "StasisStart",
		"application": "callcontrol",
		"args": ["transfer_recipient_called", "transfer-1"],
		"channel": {
			"id": "chan-1",
			"name": "Local/1001@internal-00000001;2",
			"state": "Up",
			"caller": {"name": "Alice", "number": "1000"},
			"channelvars": {"SWITCHYARD_TRANSFER_ID": "transfer-1"}
		}
	}`)

	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.Type != EventStasisStart {
		t.Errorf("type = %q", ev.Type)
	}
	if len(ev.Args) != 2 || ev.Args[1] != "transfer-1" {
		t.Errorf("args = %v", ev.Args)
	}
	if ev.Channel == nil || ev.Channel.ID != "chan-1" {
		t.Fatalf("channel = %+v", ev.Channel)
	}
	if ev.Channel.Caller.Name != "Alice" {
		t.Errorf("caller = %+v", ev.Channel.Caller)
	}
	if got := ev.ChannelVar("SWITCHYARD_TRANSFER_ID"); got != "transfer-1" {
		t.Errorf("ChannelVar = %q", got)
	}
	if got := ev.ChannelVar("MISSING"); got != "" {
		t.Errorf("ChannelVar(missing) = %q", got)
	}
}

func TestParseEventRejectsMissingType(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"application":"callcontrol"}`)); err == nil {
		t.Fatal("ParseEvent accepted an event without a type")
	}
	if _, err := ParseEvent([]byte(`not json`)); err == nil {
		t.Fatal("ParseEvent accepted garbage")
	}
}

func TestChannelVarNilChannel(t *testing.T) {
	ev := &Event{Type: EventChannelDestroyed}
	if got := ev.ChannelVar("ANY"); got != "" {
		t.Errorf("ChannelVar on nil channel = %q", got)
	}
}
