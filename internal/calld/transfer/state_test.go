package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/sebas/switchyard/internal/calld/apierr"
)

func TestTriggerTransitions(t *testing.T) {
	tests := []struct {
		name       string
		status     Status
		flow       Flow
		trigger    Trigger
		setup      func(rig *testRig, sess *Transfer)
		wantStatus Status
		wantFlow   Flow
		wantGone   bool
		wantEvents []string
		wantErrID  string
	}{
		{
			name:       "cancel during ringback",
			status:     StatusRingback,
			flow:       FlowAttended,
			trigger:    TriggerCancel,
			wantGone:   true,
			wantEvents: []string{EventCancelled, EventEnded},
		},
		{
			name:       "recipient answers during ringback",
			status:     StatusRingback,
			flow:       FlowAttended,
			trigger:    TriggerRecipientAnswer,
			wantStatus: StatusAnswered,
			wantEvents: []string{EventAnswered},
		},
		{
			name:       "complete during ringback goes blind",
			status:     StatusRingback,
			flow:       FlowBlind,
			trigger:    TriggerComplete,
			wantStatus: StatusBlindTransferred,
			wantFlow:   FlowBlind,
			wantEvents: nil,
		},
		{
			name:       "transferred gives up during ringback",
			status:     StatusRingback,
			flow:       FlowAttended,
			trigger:    TriggerTransferredHangup,
			wantGone:   true,
			wantEvents: []string{EventAbandoned, EventEnded},
		},
		{
			name:       "initiator hangup during ringback goes blind",
			status:     StatusRingback,
			flow:       FlowAttended,
			trigger:    TriggerInitiatorHangup,
			wantStatus: StatusBlindTransferred,
			wantFlow:   FlowBlind,
			wantEvents: nil,
		},
		{
			name:       "complete after answer",
			status:     StatusAnswered,
			flow:       FlowAttended,
			trigger:    TriggerComplete,
			wantGone:   true,
			wantEvents: []string{EventCompleted, EventEnded},
		},
		{
			name:       "initiator hangup after answer completes",
			status:     StatusAnswered,
			flow:       FlowAttended,
			trigger:    TriggerInitiatorHangup,
			wantGone:   true,
			wantEvents: []string{EventCompleted, EventEnded},
		},
		{
			name:       "recipient hangup after answer cancels",
			status:     StatusAnswered,
			flow:       FlowAttended,
			trigger:    TriggerRecipientHangup,
			wantGone:   true,
			wantEvents: []string{EventCancelled, EventEnded},
		},
		{
			name:       "recipient answers a blind transfer",
			status:     StatusBlindTransferred,
			flow:       FlowBlind,
			trigger:    TriggerRecipientAnswer,
			wantGone:   true,
			wantEvents: []string{EventAnswered, EventCompleted, EventEnded},
		},
		{
			name:       "recipient vanishes from a blind transfer",
			status:     StatusBlindTransferred,
			flow:       FlowBlind,
			trigger:    TriggerRecipientHangup,
			wantGone:   true,
			wantEvents: []string{EventCancelled, EventEnded},
		},
		{
			name:       "transferred gives up on a blind transfer",
			status:     StatusBlindTransferred,
			flow:       FlowBlind,
			trigger:    TriggerTransferredHangup,
			wantGone:   true,
			wantEvents: []string{EventAbandoned, EventEnded},
		},
		{
			name:       "initiator destroy after going blind is ignored",
			status:     StatusBlindTransferred,
			flow:       FlowBlind,
			trigger:    TriggerInitiatorHangup,
			wantStatus: StatusBlindTransferred,
			wantEvents: nil,
		},
		{
			name:       "complete before legs arrive is rejected",
			status:     StatusReadyNonStasis,
			flow:       FlowAttended,
			trigger:    TriggerComplete,
			wantStatus: StatusReadyNonStasis,
			wantErrID:  "transfer-completion-error",
		},
		{
			name:       "complete before the recipient is dialed marks the flow blind",
			status:     StatusStarting,
			flow:       FlowAttended,
			trigger:    TriggerComplete,
			wantStatus: StatusStarting,
			wantFlow:   FlowBlind,
			wantEvents: nil,
		},
		{
			name:       "cancel before legs arrive is rejected",
			status:     StatusReadyNonStasis,
			flow:       FlowAttended,
			trigger:    TriggerCancel,
			wantStatus: StatusReadyNonStasis,
			wantErrID:  "transfer-cancellation-error",
		},
		{
			name:       "cancel before the recipient is dialed is rejected",
			status:     StatusStarting,
			flow:       FlowAttended,
			trigger:    TriggerCancel,
			wantStatus: StatusStarting,
			wantErrID:  "transfer-cancellation-error",
		},
		{
			name:       "answer rejected once answered",
			status:     StatusAnswered,
			flow:       FlowAttended,
			trigger:    TriggerRecipientAnswer,
			wantStatus: StatusAnswered,
			wantErrID:  "transfer-answer-error",
		},
		{
			name:       "complete rejected once blind",
			status:     StatusBlindTransferred,
			flow:       FlowBlind,
			trigger:    TriggerComplete,
			wantStatus: StatusBlindTransferred,
			wantErrID:  "transfer-completion-error",
		},
		{
			name:       "cancel rejected once blind",
			status:     StatusBlindTransferred,
			flow:       FlowBlind,
			trigger:    TriggerCancel,
			wantStatus: StatusBlindTransferred,
			wantErrID:  "transfer-cancellation-error",
		},
		{
			name:    "cancel loses the race against the transferred party",
			status:  StatusRingback,
			flow:    FlowAttended,
			trigger: TriggerCancel,
			setup: func(rig *testRig, sess *Transfer) {
				rig.client.dropChannel(sess.TransferredCall)
			},
			wantGone:   true,
			wantEvents: []string{EventCancelled, EventEnded},
			wantErrID:  "transfer-cancellation-error",
		},
		{
			name:    "answer loses the race against the initiator",
			status:  StatusRingback,
			flow:    FlowAttended,
			trigger: TriggerRecipientAnswer,
			setup: func(rig *testRig, sess *Transfer) {
				rig.client.dropChannel(sess.InitiatorCall)
			},
			wantStatus: StatusRingback,
			wantEvents: nil,
			wantErrID:  "transfer-answer-error",
		},
		{
			name:    "complete loses the race against the transferred party",
			status:  StatusAnswered,
			flow:    FlowAttended,
			trigger: TriggerComplete,
			setup: func(rig *testRig, sess *Transfer) {
				rig.client.dropChannel(sess.TransferredCall)
			},
			wantGone:   true,
			wantEvents: []string{EventCompleted, EventEnded},
			wantErrID:  "transfer-completion-error",
		},
		{
			name:    "complete during ringback loses the race against the transferred party",
			status:  StatusRingback,
			flow:    FlowAttended,
			trigger: TriggerComplete,
			setup: func(rig *testRig, sess *Transfer) {
				rig.client.dropChannel(sess.TransferredCall)
			},
			wantStatus: StatusBlindTransferred,
			wantEvents: nil,
			wantErrID:  "transfer-completion-error",
		},
		{
			name:    "blind answer loses the race against the transferred party",
			status:  StatusBlindTransferred,
			flow:    FlowBlind,
			trigger: TriggerRecipientAnswer,
			setup: func(rig *testRig, sess *Transfer) {
				rig.client.dropChannel(sess.TransferredCall)
			},
			wantStatus: StatusBlindTransferred,
			wantEvents: nil,
			wantErrID:  "transfer-answer-error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig()
			sess := seededTransfer(tt.status, tt.flow)
			rig.seed(sess)
			if tt.setup != nil {
				tt.setup(rig, sess)
			}

			err := rig.machine.Trigger(context.Background(), sess.ID, tt.trigger)

			if tt.wantErrID != "" {
				var apiErr *apierr.Error
				if !errors.As(err, &apiErr) {
					t.Fatalf("Trigger() error = %v, want *apierr.Error", err)
				}
				if apiErr.ID != tt.wantErrID {
					t.Fatalf("error id = %q, want %q", apiErr.ID, tt.wantErrID)
				}
			} else if err != nil {
				t.Fatalf("Trigger() error = %v", err)
			}

			got, getErr := rig.store.Get(context.Background(), sess.ID)
			if tt.wantGone {
				if !errors.Is(getErr, ErrSessionNotFound) {
					t.Fatalf("session still stored after %s, status %v", tt.trigger, got)
				}
			} else {
				if getErr != nil {
					t.Fatalf("session missing after %s: %v", tt.trigger, getErr)
				}
				if got.Status != tt.wantStatus {
					t.Fatalf("status = %s, want %s", got.Status, tt.wantStatus)
				}
				if tt.wantFlow != "" && got.Flow != tt.wantFlow {
					t.Fatalf("flow = %s, want %s", got.Flow, tt.wantFlow)
				}
			}

			expectEvents(t, rig.eventNames(), tt.wantEvents)
		})
	}
}

func TestTriggerUnknownTransfer(t *testing.T) {
	rig := newTestRig()

	err := rig.machine.Complete(context.Background(), "missing")

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Complete() error = %v, want *apierr.Error", err)
	}
	if apiErr.ID != "no-such-transfer" || apiErr.StatusCode != 404 {
		t.Fatalf("got error %s (%d), want no-such-transfer (404)", apiErr.ID, apiErr.StatusCode)
	}
}

func TestCancelSideEffects(t *testing.T) {
	rig := newTestRig()
	sess := seededTransfer(StatusRingback, FlowAttended)
	rig.seed(sess)

	if err := rig.machine.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if !rig.client.channels.hungUp(sess.RecipientCall) {
		t.Error("recipient leg not hung up")
	}
	if rig.client.channels.hungUp(sess.TransferredCall) {
		t.Error("transferred leg hung up, should survive the cancel")
	}
	found := false
	for _, id := range rig.client.channels.unholds {
		if id == sess.TransferredCall {
			found = true
		}
	}
	if !found {
		t.Error("transferred leg left on hold")
	}
	if v := rig.client.channels.varOf(sess.TransferredCall, VarTransferID); v != "" {
		t.Errorf("transferred marker still set: %q", v)
	}
}

func TestCompleteAttendedSideEffects(t *testing.T) {
	rig := newTestRig()
	sess := seededTransfer(StatusAnswered, FlowAttended)
	rig.seed(sess)

	if err := rig.machine.Complete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if !rig.client.channels.hungUp(sess.InitiatorCall) {
		t.Error("initiator leg not hung up")
	}
	if rig.client.channels.hungUp(sess.RecipientCall) {
		t.Error("recipient leg hung up, should stay with the transferred party")
	}
	if v := rig.client.channels.varOf(sess.RecipientCall, VarTransferRole); v != "" {
		t.Errorf("recipient marker still set: %q", v)
	}
}

func TestCompleteRingbackHandsOff(t *testing.T) {
	rig := newTestRig()
	sess := seededTransfer(StatusRingback, FlowAttended)
	rig.seed(sess)

	if err := rig.machine.Complete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if !rig.client.channels.hungUp(sess.InitiatorCall) {
		t.Error("initiator leg not hung up")
	}
	assertRinging(t, rig, sess.TransferredCall)

	got, err := rig.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("session missing: %v", err)
	}
	if got.Status != StatusBlindTransferred || got.Flow != FlowBlind {
		t.Errorf("session = %s/%s, want %s/%s", got.Status, got.Flow, StatusBlindTransferred, FlowBlind)
	}
	expectEvents(t, rig.eventNames(), nil)
}

func TestInitiatorHangupRingbackHandsOff(t *testing.T) {
	rig := newTestRig()
	sess := seededTransfer(StatusRingback, FlowAttended)
	rig.seed(sess)
	rig.client.dropChannel(sess.InitiatorCall)

	if err := rig.machine.Trigger(context.Background(), sess.ID, TriggerInitiatorHangup); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if rig.client.channels.hungUp(sess.InitiatorCall) {
		t.Error("machine hung up an initiator that was already gone")
	}
	assertRinging(t, rig, sess.TransferredCall)

	got, err := rig.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("session missing: %v", err)
	}
	if got.Status != StatusBlindTransferred || got.Flow != FlowBlind {
		t.Errorf("session = %s/%s, want %s/%s", got.Status, got.Flow, StatusBlindTransferred, FlowBlind)
	}
}

// assertRinging checks a leg was taken off hold and given ringback.
func assertRinging(t *testing.T, rig *testRig, channelID string) {
	t.Helper()
	unheld := false
	for _, id := range rig.client.channels.unholds {
		if id == channelID {
			unheld = true
		}
	}
	if !unheld {
		t.Errorf("leg %s left on hold", channelID)
	}
	ringing := false
	for _, id := range rig.client.channels.rings {
		if id == channelID {
			ringing = true
		}
	}
	if !ringing {
		t.Errorf("leg %s not given ringback", channelID)
	}
}

func TestMachineStart(t *testing.T) {
	rig := newTestRig()
	sess := New("user-1", "chan-transferred", "chan-initiator", "internal", "1001", FlowAttended)
	sess.Status = StatusStarting
	rig.client.addChannel(sess.TransferredCall, "Up")
	rig.client.addChannel(sess.InitiatorCall, "Up")
	_ = rig.client.channels.SetVar(context.Background(), sess.InitiatorCall, VarAppInstance, "switchyard-1")
	rig.client.channels.nextOriginate = "chan-recipient"
	if err := rig.store.Upsert(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	if err := rig.machine.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	bridge, err := rig.client.bridges.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("hosting bridge not created: %v", err)
	}
	if len(bridge.Channels) != 2 {
		t.Fatalf("bridge holds %d legs, want 2", len(bridge.Channels))
	}
	if v := rig.client.bridges.varOf(sess.ID, VarHangupLockSource); v != "chan-recipient" {
		t.Errorf("bridge hangup lock = %q, want chan-recipient", v)
	}

	got, err := rig.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRingback {
		t.Errorf("status = %s, want %s", got.Status, StatusRingback)
	}
	if got.RecipientCall != "chan-recipient" {
		t.Errorf("recipient call = %q, want chan-recipient", got.RecipientCall)
	}

	if len(rig.client.channels.originated) != 1 {
		t.Fatalf("originated %d legs, want 1", len(rig.client.channels.originated))
	}
	req := rig.client.channels.originated[0]
	if req.Endpoint != "Local/1001@internal" {
		t.Errorf("endpoint = %q, want Local/1001@internal", req.Endpoint)
	}
	if len(req.AppArgs) != 3 || req.AppArgs[0] != "switchyard-1" ||
		req.AppArgs[1] != RecipientCalledArg || req.AppArgs[2] != sess.ID {
		t.Errorf("app args = %v", req.AppArgs)
	}
	if req.Variables[VarTransferRole] != string(RoleRecipient) {
		t.Errorf("recipient role variable = %q", req.Variables[VarTransferRole])
	}

	// Replaying a crashed start must reuse the bridge and the already
	// dialed recipient instead of originating a second leg.
	got.Status = StatusStarting
	if err := rig.store.Upsert(context.Background(), got); err != nil {
		t.Fatal(err)
	}
	if err := rig.machine.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("replayed Start() error = %v", err)
	}
	if len(rig.client.channels.originated) != 1 {
		t.Fatalf("replay originated again, %d legs total", len(rig.client.channels.originated))
	}
}

func TestMachineStartWithoutAppInstance(t *testing.T) {
	rig := newTestRig()
	sess := New("user-1", "chan-transferred", "chan-initiator", "internal", "1001", FlowAttended)
	sess.Status = StatusStarting
	rig.client.addChannel(sess.TransferredCall, "Up")
	rig.client.addChannel(sess.InitiatorCall, "Up")
	if err := rig.store.Upsert(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	err := rig.machine.Start(context.Background(), sess.ID)

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Start() error = %v, want *apierr.Error", err)
	}
	if apiErr.ID != "transfer-creation-error" {
		t.Fatalf("error id = %q, want transfer-creation-error", apiErr.ID)
	}
	if len(rig.client.channels.originated) != 0 {
		t.Fatalf("originated %d legs without an app instance", len(rig.client.channels.originated))
	}
}

func TestTeardown(t *testing.T) {
	rig := newTestRig()
	sess := seededTransfer(StatusStarting, FlowAttended)
	sess.RecipientCall = ""
	rig.seed(sess)

	// Operator cancellation is confined to later states.
	if err := rig.machine.Cancel(context.Background(), sess.ID); err == nil {
		t.Fatal("Cancel() accepted before ringback")
	}
	if _, err := rig.store.Get(context.Background(), sess.ID); err != nil {
		t.Fatalf("session gone after rejected cancel: %v", err)
	}

	if err := rig.machine.Teardown(context.Background(), sess.ID); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if _, err := rig.store.Get(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session survived teardown: %v", err)
	}
	expectEvents(t, rig.eventNames(), []string{EventCancelled, EventEnded})
}

func TestHangupLockSetOnMachineHangups(t *testing.T) {
	rig := newTestRig()
	sess := seededTransfer(StatusRingback, FlowBlind)
	rig.seed(sess)

	if err := rig.machine.Complete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if v := rig.client.channels.varOf(sess.InitiatorCall, VarHangupLockSource); v != sess.ID {
		t.Errorf("hangup lock on initiator = %q, want %q", v, sess.ID)
	}
}
