package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sebas/switchyard/internal/calld/ari"
	"github.com/sebas/switchyard/internal/logger"
)

// RecipientCalledArg is the first app argument of the recipient leg's
// stasis entry, so the event router can tell a recipient answer apart
// from any other channel entering the application.
const RecipientCalledArg = "transfer_recipient_called"

// Originator performs the call-control legwork of a transfer: stamping
// role markers, parking legs, dialing the recipient and managing the
// hosting bridge.
type Originator struct {
	client ari.Client
	app    string
}

func NewOriginator(client ari.Client, app string) *Originator {
	return &Originator{client: client, app: app}
}

// Stamp writes the role markers onto a leg. Markers outlive the daemon
// and let a restarted instance classify hangups it never saw live.
func (o *Originator) Stamp(ctx context.Context, channelID, transferID string, role Role) error {
	if err := o.client.Channels().SetVar(ctx, channelID, VarTransferID, transferID); err != nil {
		return fmt.Errorf("stamp %s on %s: %w", VarTransferID, channelID, err)
	}
	if err := o.client.Channels().SetVar(ctx, channelID, VarTransferRole, string(role)); err != nil {
		return fmt.Errorf("stamp %s on %s: %w", VarTransferRole, channelID, err)
	}
	return nil
}

// Unstamp clears the role markers. A missing channel is fine: the leg
// may already be gone by the time its transfer unwinds.
func (o *Originator) Unstamp(ctx context.Context, channelID string) error {
	for _, name := range []string{VarTransferID, VarTransferRole} {
		if err := o.client.Channels().SetVar(ctx, channelID, name, ""); err != nil {
			if ari.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("unstamp %s on %s: %w", name, channelID, err)
		}
	}
	return nil
}

// Park puts the transferred leg on hold with music while the transfer
// is negotiated.
func (o *Originator) Park(ctx context.Context, channelID string) error {
	return o.client.Channels().Hold(ctx, channelID)
}

// Unpark takes the transferred leg off hold. A missing channel comes
// back as a not-found error: callers decide whether losing that race
// matters.
func (o *Originator) Unpark(ctx context.Context, channelID string) error {
	return o.client.Channels().Unhold(ctx, channelID)
}

// Ringback plays ringing indication toward a leg.
func (o *Originator) Ringback(ctx context.Context, channelID string) error {
	return o.client.Channels().Ring(ctx, channelID)
}

// StopRingback stops the ringing indication. Like Unpark, not-found
// propagates to the caller.
func (o *Originator) StopRingback(ctx context.Context, channelID string) error {
	return o.client.Channels().RingStop(ctx, channelID)
}

// DialRecipient originates the recipient leg toward exten@dialContext.
// The leg enters the control application on answer, carrying the app
// instance and transfer id in its app arguments, and is stamped before
// dialing via originate-time variables. The new leg id is recorded as
// the hosting bridge's hangup lock source, which keeps the bridge from
// auto-destructing while only two legs remain and makes a replayed dial
// after a crash reuse the leg instead of originating twice.
func (o *Originator) DialRecipient(ctx context.Context, t *Transfer, dialContext, exten string) (string, error) {
	if existing, err := o.client.Bridges().GetVar(ctx, t.ID, VarHangupLockSource); err == nil && existing != "" {
		return existing, nil
	}

	appInstance, err := o.client.Channels().GetVar(ctx, t.InitiatorCall, VarAppInstance)
	if err != nil && !ari.IsNotFound(err) {
		return "", err
	}
	if appInstance == "" {
		return "", NewCreationError("no app instance on initiator", map[string]any{
			"channel_id": t.InitiatorCall,
		})
	}

	initiator, err := o.client.Channels().Get(ctx, t.InitiatorCall)
	if err != nil {
		if ari.IsNotFound(err) {
			return "", NewCreationError("initiator channel left", map[string]any{
				"channel_id": t.InitiatorCall,
			})
		}
		return "", err
	}
	callerID := fmt.Sprintf("%q <%s>", initiator.Caller.Name, initiator.Caller.Number)

	req := ari.OriginateRequest{
		Endpoint: fmt.Sprintf("Local/%s@%s", exten, dialContext),
		App:      o.app,
		AppArgs:  []string{appInstance, RecipientCalledArg, t.ID},
		CallerID: callerID,
		Variables: map[string]string{
			VarTransferID:   t.ID,
			VarTransferRole: string(RoleRecipient),
			VarUserUUID:     t.InitiatorUUID,
		},
	}
	recipient, err := o.client.Channels().Originate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("originate recipient for transfer %s: %w", t.ID, err)
	}

	if err := o.client.Bridges().SetVar(ctx, t.ID, VarHangupLockSource, recipient.ID); err != nil {
		if ari.IsNotFound(err) {
			return "", NewCreationError("bridge not found", map[string]any{
				"transfer_id": t.ID,
			})
		}
		return "", err
	}
	return recipient.ID, nil
}

// EnsureBridge creates the hosting bridge under the session's id if it
// does not exist yet. Safe to call again after a crash mid-start.
func (o *Originator) EnsureBridge(ctx context.Context, transferID string) error {
	_, err := o.client.Bridges().Get(ctx, transferID)
	if err == nil {
		return nil
	}
	if !ari.IsNotFound(err) {
		return err
	}
	_, err = o.client.Bridges().Create(ctx, ari.BridgeCreateRequest{
		ID:   transferID,
		Type: "mixing",
		Name: "transfer",
	})
	return err
}

// AddLeg joins a channel to the hosting bridge.
func (o *Originator) AddLeg(ctx context.Context, transferID, channelID string) error {
	return o.client.Bridges().AddChannel(ctx, transferID, channelID)
}

// DestroyBridge removes the hosting bridge, ignoring a bridge already
// gone.
func (o *Originator) DestroyBridge(ctx context.Context, transferID string) error {
	if err := o.client.Bridges().Destroy(ctx, transferID); err != nil && !ari.IsNotFound(err) {
		return err
	}
	return nil
}

// Hangup ends a leg, ignoring a leg already gone.
func (o *Originator) Hangup(ctx context.Context, channelID string) error {
	if channelID == "" {
		return nil
	}
	if err := o.client.Channels().Hangup(ctx, channelID); err != nil && !ari.IsNotFound(err) {
		return err
	}
	return nil
}

// LockHangup marks target so that source's death is treated as a join
// signal instead of a party abandoning the call.
func (o *Originator) LockHangup(ctx context.Context, sourceID, targetID string) error {
	return o.client.Channels().SetVar(ctx, targetID, VarHangupLockSource, sourceID)
}

// UnlockHangup clears the hosting bridge's hangup lock once the session
// settles, letting the bridge destruct normally.
func (o *Originator) UnlockHangup(ctx context.Context, transferID string) error {
	if err := o.client.Bridges().SetVar(ctx, transferID, VarHangupLockSource, ""); err != nil && !ari.IsNotFound(err) {
		return err
	}
	return nil
}

// StampAppInstance records which application instance controls a leg,
// from the stasis arguments it arrived with.
func (o *Originator) StampAppInstance(ctx context.Context, channelID, instance string) error {
	return o.client.Channels().SetVar(ctx, channelID, VarAppInstance, instance)
}

// IsAlive reports whether a channel still exists and is not hung up.
func (o *Originator) IsAlive(ctx context.Context, channelID string) bool {
	if channelID == "" {
		return false
	}
	ch, err := o.client.Channels().Get(ctx, channelID)
	if err != nil {
		if !ari.IsNotFound(err) {
			logger.Warn("[Transfer] Liveness check failed",
				slog.String("channel_id", channelID),
				slog.Any("error", err))
		}
		return false
	}
	return ch.State != "Down"
}
