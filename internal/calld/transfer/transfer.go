package transfer

import (
	"time"

	"github.com/google/uuid"
)

// Status is the persisted state of a transfer session. The pseudo state
// "ready" has no constant: it is represented by the session being absent
// from the store.
type Status string

const (
	StatusReadyNonStasis   Status = "ready_non_stasis"
	StatusStarting         Status = "starting"
	StatusRingback         Status = "ringback"
	StatusBlindTransferred Status = "blind_transferred"
	StatusAnswered         Status = "answered"
)

// Flow selects whether the initiator stays on the line until the
// recipient answers.
type Flow string

const (
	FlowAttended Flow = "attended"
	FlowBlind    Flow = "blind"
)

// Role identifies a leg of the transfer.
type Role string

const (
	RoleTransferred Role = "transferred"
	RoleInitiator   Role = "initiator"
	RoleRecipient   Role = "recipient"
)

// Channel variables stamped on call legs. Markers survive a daemon
// restart and are the source of truth for leg classification.
const (
	VarTransferID       = "SWITCHYARD_TRANSFER_ID"
	VarTransferRole     = "SWITCHYARD_TRANSFER_ROLE"
	VarUserUUID         = "SWITCHYARD_USERUUID"
	VarAppInstance      = "SWITCHYARD_APP_INSTANCE"
	VarHangupLockSource = "SWITCHYARD_HANGUP_LOCK_SOURCE"
)

// Trigger names an external stimulus fed to the state machine.
type Trigger string

const (
	TriggerStart             Trigger = "start"
	TriggerComplete          Trigger = "complete"
	TriggerCancel            Trigger = "cancel"
	TriggerRecipientAnswer   Trigger = "recipient_answer"
	TriggerTransferredHangup Trigger = "transferred_hangup"
	TriggerInitiatorHangup   Trigger = "initiator_hangup"
	TriggerRecipientHangup   Trigger = "recipient_hangup"
)

// Transfer is a three-party transfer session. ID doubles as the id of
// the bridge hosting the session.
type Transfer struct {
	ID              string `json:"id"`
	InitiatorUUID   string `json:"initiator_uuid"`
	InitiatorCall   string `json:"initiator_call"`
	TransferredCall string `json:"transferred_call"`
	RecipientCall   string `json:"recipient_call"`
	Status          Status `json:"status"`
	Flow            Flow   `json:"flow"`
	// DialContext and DialExten are where the recipient gets dialed.
	// Persisted because a session created outside the control
	// application only dials once its legs arrive, possibly after a
	// daemon restart.
	DialContext string    `json:"-"`
	DialExten   string    `json:"-"`
	CreatedAt   time.Time `json:"-"`
}

// New allocates a session with a fresh id. The bridge that will host
// the session is created later with this same id.
func New(initiatorUUID, transferredCall, initiatorCall, dialContext, dialExten string, flow Flow) *Transfer {
	return &Transfer{
		ID:              uuid.NewString(),
		InitiatorUUID:   initiatorUUID,
		InitiatorCall:   initiatorCall,
		TransferredCall: transferredCall,
		DialContext:     dialContext,
		DialExten:       dialExten,
		Flow:            flow,
		CreatedAt:       time.Now().UTC(),
	}
}

// Role classifies a call id against the session's legs.
func (t *Transfer) Role(callID string) (Role, bool) {
	switch callID {
	case t.TransferredCall:
		return RoleTransferred, true
	case t.InitiatorCall:
		return RoleInitiator, true
	case t.RecipientCall:
		return RoleRecipient, true
	}
	return "", false
}

// ParseStatus validates a persisted status value.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusReadyNonStasis, StatusStarting, StatusRingback, StatusBlindTransferred, StatusAnswered:
		return Status(s), true
	}
	return "", false
}

// ParseFlow maps an API flow value, defaulting empty to attended.
func ParseFlow(s string) (Flow, bool) {
	switch Flow(s) {
	case "":
		return FlowAttended, true
	case FlowAttended, FlowBlind:
		return Flow(s), true
	}
	return "", false
}
