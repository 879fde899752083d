package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sebas/switchyard/internal/calld/apierr"
	"github.com/sebas/switchyard/internal/calld/ari"
	"github.com/sebas/switchyard/internal/calld/observability"
	"github.com/sebas/switchyard/internal/logger"
)

// statusRemoved marks a transition that ends the session: the runner
// deletes it from the store and publishes the ended event last.
const statusRemoved Status = ""

// handlerFunc applies one trigger to a loaded session. It performs the
// call-control side effects, mutates t, and returns the next status plus
// the disposition events to publish, in order. The runner persists and
// publishes; handlers never touch the store.
type handlerFunc func(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error)

// handlers is the closed transition table. A (status, trigger) pair
// absent from it is rejected, API triggers with a typed error and
// protocol triggers with a log line.
var handlers = map[Status]map[Trigger]handlerFunc{
	StatusReadyNonStasis: {
		TriggerTransferredHangup: abandonUnbridged,
		TriggerInitiatorHangup:   cancelUnbridged,
	},
	StatusStarting: {
		TriggerComplete:          completeEarly,
		TriggerTransferredHangup: abandonTransfer,
		TriggerInitiatorHangup:   cancelTransfer,
		TriggerRecipientHangup:   cancelTransfer,
	},
	StatusRingback: {
		TriggerComplete:          completeBlind,
		TriggerCancel:            cancelTransfer,
		TriggerRecipientAnswer:   answerAttended,
		TriggerTransferredHangup: abandonTransfer,
		TriggerInitiatorHangup:   initiatorLeftRingback,
		TriggerRecipientHangup:   cancelTransfer,
	},
	StatusBlindTransferred: {
		TriggerRecipientAnswer:   answerBlind,
		TriggerTransferredHangup: abandonBlind,
		TriggerInitiatorHangup:   ignoreTrigger,
		TriggerRecipientHangup:   cancelBlind,
	},
	StatusAnswered: {
		TriggerComplete:          completeAttended,
		TriggerCancel:            cancelTransfer,
		TriggerTransferredHangup: abandonTransfer,
		TriggerInitiatorHangup:   completeAttended,
		TriggerRecipientHangup:   cancelTransfer,
	},
}

// Machine drives transfer sessions through their lifecycle. All
// transitions for one session are serialized by a per-session lock and
// follow load, transition, persist, publish.
type Machine struct {
	store      Store
	originator *Originator
	notifier   *Notifier
	locks      *sessionLocks
	metrics    *observability.Metrics
}

func NewMachine(store Store, originator *Originator, notifier *Notifier, metrics *observability.Metrics) *Machine {
	return &Machine{
		store:      store,
		originator: originator,
		notifier:   notifier,
		locks:      newSessionLocks(),
		metrics:    metrics,
	}
}

// Get loads one session.
func (m *Machine) Get(ctx context.Context, transferID string) (*Transfer, error) {
	t, err := m.store.Get(ctx, transferID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, NewNotFoundError(transferID)
	}
	return t, err
}

// List returns every live session.
func (m *Machine) List(ctx context.Context) ([]*Transfer, error) {
	return m.store.List(ctx)
}

// Persist stores a freshly created session. The caller announces it
// afterwards; transitions go through Trigger or Start.
func (m *Machine) Persist(ctx context.Context, t *Transfer) error {
	release := m.locks.Acquire(t.ID)
	defer release()
	if err := m.store.Upsert(ctx, t); err != nil {
		return err
	}
	m.refreshGauge(ctx)
	m.notifier.Created(ctx, t)
	return nil
}

// Start moves a persisted session out of its pre-dial state. Idempotent
// on the bridge and the recipient dial, so a crash between steps can be
// replayed.
func (m *Machine) Start(ctx context.Context, transferID string) error {
	release := m.locks.Acquire(transferID)
	defer release()

	t, err := m.store.Get(ctx, transferID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return NewNotFoundError(transferID)
		}
		return err
	}
	if t.Status != StatusReadyNonStasis && t.Status != StatusStarting {
		return nil
	}

	if err := m.startSession(ctx, t); err != nil {
		return err
	}
	if err := m.store.Upsert(ctx, t); err != nil {
		return err
	}
	m.metrics.CountTransition(string(TriggerStart), string(StatusStarting), "ok")
	return nil
}

// CreateBridged runs the whole in-application creation as one unit: the
// session is stored and announced only once every leg operation has
// succeeded. A failure unwinds the markers and the bridge, leaving no
// trace in the store.
func (m *Machine) CreateBridged(ctx context.Context, t *Transfer) error {
	release := m.locks.Acquire(t.ID)
	defer release()

	if err := m.startSession(ctx, t); err != nil {
		m.unwindCreate(ctx, t)
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			return err
		}
		return NewCreationError("recipient origination failed", map[string]any{
			"transfer_id": t.ID,
			"reason":      err.Error(),
		})
	}
	if err := m.store.Upsert(ctx, t); err != nil {
		return err
	}
	m.refreshGauge(ctx)
	m.notifier.Created(ctx, t)
	m.metrics.CountTransition(string(TriggerStart), string(StatusStarting), "ok")
	return nil
}

// startSession performs the shared start work: hosting bridge, both
// legs joined, transferred parked, initiator hearing ringback, and the
// recipient dialed. Mutates t to ringback on success.
func (m *Machine) startSession(ctx context.Context, t *Transfer) error {
	if err := m.originator.EnsureBridge(ctx, t.ID); err != nil {
		return fmt.Errorf("start transfer %s: %w", t.ID, err)
	}
	if err := m.originator.AddLeg(ctx, t.ID, t.TransferredCall); err != nil {
		return fmt.Errorf("start transfer %s: %w", t.ID, err)
	}
	if err := m.originator.AddLeg(ctx, t.ID, t.InitiatorCall); err != nil {
		return fmt.Errorf("start transfer %s: %w", t.ID, err)
	}
	if err := m.originator.Park(ctx, t.TransferredCall); err != nil {
		return fmt.Errorf("start transfer %s: %w", t.ID, err)
	}
	if err := m.originator.Ringback(ctx, t.InitiatorCall); err != nil {
		logger.Warn("[Transfer] Ringback toward initiator failed",
			slog.String("transfer_id", t.ID), slog.Any("error", err))
	}

	recipientID, err := m.originator.DialRecipient(ctx, t, t.DialContext, t.DialExten)
	if err != nil {
		return err
	}
	t.RecipientCall = recipientID
	t.Status = StatusRingback
	return nil
}

// unwindCreate strips the side effects of a creation that never made it
// to ringback.
func (m *Machine) unwindCreate(ctx context.Context, t *Transfer) {
	for _, leg := range []string{t.TransferredCall, t.InitiatorCall} {
		if err := m.originator.Unstamp(ctx, leg); err != nil {
			logger.Debug("[Transfer] Marker not cleared during unwind",
				slog.String("channel_id", leg), slog.Any("error", err))
		}
	}
	if err := m.originator.DestroyBridge(ctx, t.ID); err != nil {
		logger.Debug("[Transfer] Bridge not destroyed during unwind",
			slog.String("transfer_id", t.ID), slog.Any("error", err))
	}
}

// Complete applies the complete trigger.
func (m *Machine) Complete(ctx context.Context, transferID string) error {
	return m.Trigger(ctx, transferID, TriggerComplete)
}

// Cancel applies the cancel trigger.
func (m *Machine) Cancel(ctx context.Context, transferID string) error {
	return m.Trigger(ctx, transferID, TriggerCancel)
}

// Trigger runs one transition under the session lock. Outcomes that end
// the session remove it from the store even when a side effect failed:
// losing a race against a hangup must not leave a stuck session behind.
func (m *Machine) Trigger(ctx context.Context, transferID string, trig Trigger) error {
	release := m.locks.Acquire(transferID)
	defer release()

	t, err := m.store.Get(ctx, transferID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return NewNotFoundError(transferID)
		}
		return err
	}

	handler := handlers[t.Status][trig]
	if handler == nil {
		m.metrics.CountTransition(string(trig), string(t.Status), "rejected")
		return rejectTrigger(t, trig)
	}

	next, events, handlerErr := handler(ctx, m, t)

	if next == statusRemoved {
		m.unlockBridge(ctx, t.ID)
		if err := m.store.Remove(ctx, t.ID); err != nil {
			return err
		}
	} else {
		t.Status = next
		if err := m.store.Upsert(ctx, t); err != nil {
			return err
		}
	}
	m.refreshGauge(ctx)

	outcome := "ok"
	if handlerErr != nil {
		outcome = "degraded"
	}
	m.metrics.CountTransition(string(trig), string(t.Status), outcome)

	for _, name := range events {
		m.publish(ctx, name, t)
	}
	if next == statusRemoved {
		m.publish(ctx, EventEnded, t)
	}
	return handlerErr
}

// Teardown aborts a session the daemon itself gave up on, such as a
// failed redirect or a ring timeout. It bypasses the trigger table so
// operator cancellation stays confined to the states that allow it.
func (m *Machine) Teardown(ctx context.Context, transferID string) error {
	release := m.locks.Acquire(transferID)
	defer release()

	t, err := m.store.Get(ctx, transferID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return NewNotFoundError(transferID)
		}
		return err
	}

	handler := cancelUnbridged
	if t.Status == StatusRingback || t.Status == StatusAnswered {
		handler = cancelTransfer
	}
	_, events, handlerErr := handler(ctx, m, t)

	m.unlockBridge(ctx, t.ID)
	if err := m.store.Remove(ctx, t.ID); err != nil {
		return err
	}
	m.refreshGauge(ctx)

	outcome := "ok"
	if handlerErr != nil {
		outcome = "degraded"
	}
	m.metrics.CountTransition("teardown", string(t.Status), outcome)

	for _, name := range events {
		m.publish(ctx, name, t)
	}
	m.publish(ctx, EventEnded, t)
	return handlerErr
}

func (m *Machine) unlockBridge(ctx context.Context, transferID string) {
	if err := m.originator.UnlockHangup(ctx, transferID); err != nil {
		logger.Debug("[Transfer] Bridge hangup lock not cleared",
			slog.String("transfer_id", transferID), slog.Any("error", err))
	}
}

func (m *Machine) publish(ctx context.Context, name string, t *Transfer) {
	switch name {
	case EventCreated:
		m.notifier.Created(ctx, t)
	case EventAnswered:
		m.notifier.Answered(ctx, t)
	case EventCancelled:
		m.notifier.Cancelled(ctx, t)
	case EventCompleted:
		m.notifier.Completed(ctx, t)
	case EventAbandoned:
		m.notifier.Abandoned(ctx, t)
	case EventEnded:
		m.notifier.Ended(ctx, t)
	}
	m.metrics.CountBusEvent(name)
}

func (m *Machine) refreshGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	if sessions, err := m.store.List(ctx); err == nil {
		m.metrics.SetActiveTransfers(len(sessions))
	}
}

// rejectTrigger maps a trigger the current state does not accept onto
// the API error taxonomy. Protocol-driven triggers have no API caller;
// their rejection is logged by the event router.
func rejectTrigger(t *Transfer, trig Trigger) error {
	switch trig {
	case TriggerComplete:
		return NewCompletionError(t.ID, t.Status)
	case TriggerCancel:
		return NewCancellationError(t.ID, t.Status)
	case TriggerRecipientAnswer:
		return NewAnswerError(t.ID, t.Status)
	}
	return apierr.New(400, "transfer-creation-error",
		fmt.Sprintf("Trigger %s not accepted in state %s", trig, t.Status), map[string]any{
			"transfer_id": t.ID,
		})
}

// killLeg hangs up a leg the machine itself decided to end. The hangup
// lock marker tells the event router the ensuing destruction is part of
// a transition, not a party abandoning the call.
func (m *Machine) killLeg(ctx context.Context, t *Transfer, channelID string) error {
	if channelID == "" {
		return nil
	}
	if err := m.originator.LockHangup(ctx, t.ID, channelID); err != nil {
		logger.Debug("[Transfer] Hangup lock not set",
			slog.String("channel_id", channelID), slog.Any("error", err))
	}
	return m.originator.Hangup(ctx, channelID)
}

func ignoreTrigger(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	return t.Status, nil, nil
}

// cancelTransfer tears the recipient leg down and gives the transferred
// party back to the initiator. Losing the race against a concurrent
// hangup still ends the session but surfaces as a typed error naming
// the leg that vanished.
func cancelTransfer(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(m.originator.Unstamp(ctx, t.TransferredCall))
	keep(m.originator.Unstamp(ctx, t.InitiatorCall))
	keep(m.killLeg(ctx, t, t.RecipientCall))
	if err := m.originator.Unpark(ctx, t.TransferredCall); err != nil {
		if ari.IsNotFound(err) {
			err = NewCancellationFailedError(t.ID, "transferred hung up")
		}
		keep(err)
	}
	if err := m.originator.StopRingback(ctx, t.InitiatorCall); err != nil {
		if ari.IsNotFound(err) {
			err = NewCancellationFailedError(t.ID, "initiator hung up")
		}
		keep(err)
	}
	return statusRemoved, []string{EventCancelled}, firstErr
}

// cancelUnbridged unwinds a session whose legs never reached the
// control application. No call-control work to undo beyond markers.
func cancelUnbridged(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	var firstErr error
	for _, leg := range []string{t.TransferredCall, t.InitiatorCall} {
		if err := m.originator.Unstamp(ctx, leg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return statusRemoved, []string{EventCancelled}, firstErr
}

// abandonTransfer handles the transferred party giving up: the
// initiator and recipient stay connected to finish their conversation.
func abandonTransfer(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(m.originator.Unstamp(ctx, t.InitiatorCall))
	keep(m.originator.Unstamp(ctx, t.RecipientCall))
	keep(m.killLeg(ctx, t, t.TransferredCall))
	return statusRemoved, []string{EventAbandoned}, firstErr
}

func abandonUnbridged(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	var firstErr error
	for _, leg := range []string{t.InitiatorCall, t.TransferredCall} {
		if err := m.originator.Unstamp(ctx, leg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return statusRemoved, []string{EventAbandoned}, firstErr
}

// abandonBlind covers the transferred party hanging up after the
// initiator already left: nobody remains for the recipient to join.
func abandonBlind(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	_, _, err := abandonTransfer(ctx, m, t)
	if killErr := m.killLeg(ctx, t, t.RecipientCall); killErr != nil && err == nil {
		err = killErr
	}
	return statusRemoved, []string{EventAbandoned}, err
}

// cancelBlind covers the recipient vanishing before answering a blind
// transfer: with the initiator gone too, the held transferred party is
// released by hanging it up.
func cancelBlind(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(m.originator.Unstamp(ctx, t.TransferredCall))
	keep(m.killLeg(ctx, t, t.TransferredCall))
	return statusRemoved, []string{EventCancelled}, firstErr
}

// completeEarly is complete before the legs are even under engine
// control: nothing to do yet beyond remembering the transfer goes blind
// once it starts.
func completeEarly(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	t.Flow = FlowBlind
	return StatusStarting, nil, nil
}

// completeBlind is complete before the recipient answered: the
// initiator leaves now and the transferred party rings the pending
// recipient until pickup.
func completeBlind(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	var firstErr error
	if err := m.killLeg(ctx, t, t.InitiatorCall); err != nil {
		firstErr = err
	}
	return blindHandoff(ctx, m, t, firstErr)
}

// initiatorLeftRingback turns the consultation into a blind transfer:
// the initiator walking away during ringback hands the transferred
// party straight to the recipient.
func initiatorLeftRingback(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	return blindHandoff(ctx, m, t, nil)
}

// blindHandoff releases the transferred party from hold and makes it
// ring the still-pending recipient; from here the transfer is blind.
func blindHandoff(ctx context.Context, m *Machine, t *Transfer, firstErr error) (Status, []string, error) {
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.originator.Unpark(ctx, t.TransferredCall); err != nil {
		if ari.IsNotFound(err) {
			err = NewCompletionFailedError(t.ID, "transferred hung up")
		}
		keep(err)
	} else if err := m.originator.Ringback(ctx, t.TransferredCall); err != nil {
		if ari.IsNotFound(err) {
			err = NewCompletionFailedError(t.ID, "transferred hung up")
		}
		keep(err)
	}
	t.Flow = FlowBlind
	return StatusBlindTransferred, nil, firstErr
}

// completeAttended hands the transferred party over to the recipient
// and drops the initiator out of the call.
func completeAttended(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(m.originator.Unstamp(ctx, t.TransferredCall))
	keep(m.originator.Unstamp(ctx, t.RecipientCall))
	keep(m.killLeg(ctx, t, t.InitiatorCall))
	if err := m.originator.Unpark(ctx, t.TransferredCall); err != nil {
		if ari.IsNotFound(err) {
			err = NewCompletionFailedError(t.ID, "transferred hung up")
		}
		keep(err)
	}
	return statusRemoved, []string{EventCompleted}, firstErr
}

// answerAttended joins the recipient to the hosting bridge while the
// transferred party stays parked; initiator and recipient consult. If
// the initiator vanished in the meantime the session stays in ringback:
// the hangup event that follows turns it into a blind handoff.
func answerAttended(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	if err := m.originator.StopRingback(ctx, t.InitiatorCall); err != nil {
		if ari.IsNotFound(err) {
			return t.Status, nil, NewAnswerFailedError(t.ID, "initiator hung up")
		}
		return t.Status, nil, err
	}
	if err := m.originator.AddLeg(ctx, t.ID, t.RecipientCall); err != nil {
		return t.Status, nil, err
	}
	return StatusAnswered, []string{EventAnswered}, nil
}

// answerBlind finishes a blind transfer on recipient pickup: the
// ringing transferred party connects straight to the recipient. The
// transferred leg vanishing leaves the session for its own hangup
// event to abandon.
func answerBlind(ctx context.Context, m *Machine, t *Transfer) (Status, []string, error) {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(m.originator.Unstamp(ctx, t.TransferredCall))
	keep(m.originator.Unstamp(ctx, t.RecipientCall))
	keep(m.originator.AddLeg(ctx, t.ID, t.RecipientCall))
	if err := m.originator.StopRingback(ctx, t.TransferredCall); err != nil {
		if ari.IsNotFound(err) {
			return t.Status, nil, NewAnswerFailedError(t.ID, "transferred hung up")
		}
		keep(err)
	}
	return statusRemoved, []string{EventAnswered, EventCompleted}, firstErr
}
