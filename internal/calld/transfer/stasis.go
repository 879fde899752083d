package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sebas/switchyard/internal/calld/ari"
	"github.com/sebas/switchyard/internal/calld/observability"
	"github.com/sebas/switchyard/internal/logger"
)

// Router maps call-control events onto state machine triggers. It is
// the only consumer of the event stream the engine registers.
type Router struct {
	machine    *Machine
	store      Store
	originator *Originator
	metrics    *observability.Metrics

	mu      sync.Mutex
	arrived map[string]map[Role]bool
}

func NewRouter(machine *Machine, store Store, originator *Originator, metrics *observability.Metrics) *Router {
	return &Router{
		machine:    machine,
		store:      store,
		originator: originator,
		metrics:    metrics,
		arrived:    make(map[string]map[Role]bool),
	}
}

// Handle dispatches one event. Errors never propagate to the stream:
// an event that cannot be applied is logged and dropped, the stream
// must keep flowing.
func (r *Router) Handle(ctx context.Context, ev *ari.Event) {
	r.metrics.CountProtocolEvent(ev.Type)

	switch ev.Type {
	case ari.EventStasisStart:
		r.handleStasisStart(ctx, ev)
	case ari.EventChannelDestroyed:
		r.handleChannelDestroyed(ctx, ev)
	}
}

func (r *Router) handleStasisStart(ctx context.Context, ev *ari.Event) {
	if ev.Channel == nil {
		return
	}

	// The recipient leg enters the application on answer, with the app
	// instance and transfer id in its app arguments.
	if len(ev.Args) >= 3 && ev.Args[1] == RecipientCalledArg {
		transferID := ev.Args[2]
		if err := r.machine.Trigger(ctx, transferID, TriggerRecipientAnswer); err != nil {
			r.logDropped(transferID, TriggerRecipientAnswer, err)
		}
		return
	}

	// Any other entry may be a redirected leg of a session waiting to
	// start.
	t, err := r.store.GetByCall(ctx, ev.Channel.ID)
	if err != nil {
		return
	}
	if t.Status != StatusReadyNonStasis {
		return
	}
	role, ok := t.Role(ev.Channel.ID)
	if !ok {
		return
	}

	// A redirected leg arrives carrying its application instance as the
	// first stasis argument; the recipient originate needs it later.
	if len(ev.Args) > 0 && ev.Args[0] != "" {
		if err := r.originator.StampAppInstance(ctx, ev.Channel.ID, ev.Args[0]); err != nil {
			logger.Debug("[Transfer] App instance not recorded",
				slog.String("channel_id", ev.Channel.ID), slog.Any("error", err))
		}
	}

	if !r.recordArrival(t.ID, role) {
		return
	}

	if err := r.machine.Start(ctx, t.ID); err != nil {
		r.logDropped(t.ID, TriggerStart, err)
		return
	}
	if t.Flow == FlowBlind {
		if err := r.machine.Complete(ctx, t.ID); err != nil {
			r.logDropped(t.ID, TriggerComplete, err)
		}
	}
}

func (r *Router) handleChannelDestroyed(ctx context.Context, ev *ari.Event) {
	if ev.Channel == nil {
		return
	}

	// A hangup the machine performed itself carries the lock marker;
	// the transition that asked for it already settled the session.
	if ev.ChannelVar(VarHangupLockSource) != "" {
		return
	}

	t, err := r.store.GetByCall(ctx, ev.Channel.ID)
	if err != nil {
		return
	}
	role, ok := t.Role(ev.Channel.ID)
	if !ok {
		return
	}

	trig, ok := hangupTrigger(role)
	if !ok {
		return
	}
	if err := r.machine.Trigger(ctx, t.ID, trig); err != nil {
		r.logDropped(t.ID, trig, err)
	}
	r.forget(t.ID)
}

// Recover replays reality over the persisted snapshot after a restart:
// any session leg that died while the daemon was down gets its hangup
// trigger now.
func (r *Router) Recover(ctx context.Context) error {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	for _, t := range sessions {
		r.recoverSession(ctx, t)
	}
	return nil
}

func (r *Router) recoverSession(ctx context.Context, t *Transfer) {
	checks := []struct {
		call string
		trig Trigger
	}{
		{t.TransferredCall, TriggerTransferredHangup},
		{t.InitiatorCall, TriggerInitiatorHangup},
		{t.RecipientCall, TriggerRecipientHangup},
	}
	for _, c := range checks {
		if c.call == "" {
			continue
		}
		if r.originator.IsAlive(ctx, c.call) {
			continue
		}
		logger.Info("[Transfer] Replaying hangup missed while down",
			slog.String("transfer_id", t.ID),
			slog.String("channel_id", c.call),
			slog.String("trigger", string(c.trig)))
		if err := r.machine.Trigger(ctx, t.ID, c.trig); err != nil {
			r.logDropped(t.ID, c.trig, err)
		}
		// The first replayed hangup usually removes the session.
		if _, err := r.store.Get(ctx, t.ID); errors.Is(err, ErrSessionNotFound) {
			return
		}
	}
}

// recordArrival reports whether both redirected legs have now entered
// the application.
func (r *Router) recordArrival(transferID string, role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.arrived[transferID]
	if set == nil {
		set = make(map[Role]bool)
		r.arrived[transferID] = set
	}
	set[role] = true
	if set[RoleTransferred] && set[RoleInitiator] {
		delete(r.arrived, transferID)
		return true
	}
	return false
}

func (r *Router) forget(transferID string) {
	r.mu.Lock()
	delete(r.arrived, transferID)
	r.mu.Unlock()
}

func (r *Router) logDropped(transferID string, trig Trigger, err error) {
	logger.Debug("[Transfer] Trigger dropped",
		slog.String("transfer_id", transferID),
		slog.String("trigger", string(trig)),
		slog.Any("error", err))
}

func hangupTrigger(role Role) (Trigger, bool) {
	switch role {
	case RoleTransferred:
		return TriggerTransferredHangup, true
	case RoleInitiator:
		return TriggerInitiatorHangup, true
	case RoleRecipient:
		return TriggerRecipientHangup, true
	}
	return "", false
}
