package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/switchyard/internal/calld/apierr"
	"github.com/sebas/switchyard/internal/calld/ari"
	"github.com/sebas/switchyard/internal/logger"
)

// ExtensionValidator reports whether an extension can be dialed in a
// context.
type ExtensionValidator interface {
	ExtensionExists(ctx context.Context, dialContext, exten string) (bool, error)
}

// Redirector moves live channels into a dialplan position. Used to pull
// legs created outside the control application under engine control.
type Redirector interface {
	Redirect(ctx context.Context, channelName, dialContext, exten string, priority int, extraChannelName string) error
}

// UserContexts resolves the dialing context of a user's main line.
type UserContexts interface {
	UserLineContext(ctx context.Context, userUUID string) (string, error)
}

// CreateRequest is the operator-facing creation input: both legs are
// named explicitly.
type CreateRequest struct {
	TransferredCall string
	InitiatorCall   string
	Context         string
	Exten           string
	Flow            string
	// Timeout caps how long the recipient may ring, in seconds. Zero
	// means ring forever.
	Timeout int
}

// UserCreateRequest is the user-facing creation input: the transferred
// leg and the dialing context are inferred.
type UserCreateRequest struct {
	InitiatorCall string
	Exten         string
	Flow          string
	Timeout       int
}

// ServiceConfig carries the dialplan position legs are redirected to
// when they must enter the control application first.
type ServiceConfig struct {
	RedirectContext string
	RedirectExten   string
}

// Service is the operation layer over the state machine: request
// validation, leg discovery, permission checks and the non-stasis
// redirect dance.
type Service struct {
	machine    *Machine
	client     ari.Client
	originator *Originator
	validator  ExtensionValidator
	redirector Redirector
	users      UserContexts
	cfg        ServiceConfig
}

func NewService(machine *Machine, client ari.Client, originator *Originator, validator ExtensionValidator, redirector Redirector, users UserContexts, cfg ServiceConfig) *Service {
	return &Service{
		machine:    machine,
		client:     client,
		originator: originator,
		validator:  validator,
		redirector: redirector,
		users:      users,
		cfg:        cfg,
	}
}

// Create starts a transfer between two explicit legs.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transfer, error) {
	flow, ok := ParseFlow(req.Flow)
	if !ok {
		return nil, apierr.NewValidation(map[string]any{"flow": req.Flow})
	}

	transferred, err := s.liveChannel(ctx, req.TransferredCall, "transferred")
	if err != nil {
		return nil, err
	}
	initiator, err := s.liveChannel(ctx, req.InitiatorCall, "initiator")
	if err != nil {
		return nil, err
	}

	if err := s.checkExten(ctx, req.Context, req.Exten); err != nil {
		return nil, err
	}

	initiatorUUID, _ := s.channelVar(ctx, initiator.ID, VarUserUUID)
	t := New(initiatorUUID, transferred.ID, initiator.ID, req.Context, req.Exten, flow)

	inStasis := s.inStasis(ctx, transferred.ID) && s.inStasis(ctx, initiator.ID)
	if inStasis {
		t.Status = StatusStarting
	} else {
		t.Status = StatusReadyNonStasis
	}

	if err := s.originator.Stamp(ctx, transferred.ID, t.ID, RoleTransferred); err != nil {
		return nil, NewCreationError("transferred channel left", map[string]any{"channel_id": transferred.ID})
	}
	if err := s.originator.Stamp(ctx, initiator.ID, t.ID, RoleInitiator); err != nil {
		return nil, NewCreationError("initiator channel left", map[string]any{"channel_id": initiator.ID})
	}

	if inStasis {
		// Nothing is persisted or announced until every leg operation
		// has succeeded; a vanished leg leaves no session behind.
		if err := s.machine.CreateBridged(ctx, t); err != nil {
			return nil, err
		}
		if flow == FlowBlind {
			if err := s.machine.Complete(ctx, t.ID); err != nil {
				return nil, err
			}
		}
	} else {
		if err := s.machine.Persist(ctx, t); err != nil {
			return nil, err
		}
		if err := s.redirector.Redirect(ctx, transferred.Name, s.cfg.RedirectContext, s.cfg.RedirectExten, 1, initiator.Name); err != nil {
			if tdErr := s.machine.Teardown(ctx, t.ID); tdErr != nil {
				logger.Warn("[Transfer] Cleanup after failed redirect",
					slog.String("transfer_id", t.ID), slog.Any("error", tdErr))
			}
			return nil, err
		}
	}

	s.scheduleTimeout(t.ID, req.Timeout)
	return s.machine.Get(ctx, t.ID)
}

// CreateFromUser starts a transfer on behalf of a user: the transferred
// leg is the initiator's single bridged peer and the dialing context
// comes from the user's main line.
func (s *Service) CreateFromUser(ctx context.Context, userUUID string, req UserCreateRequest) (*Transfer, error) {
	initiator, err := s.liveChannel(ctx, req.InitiatorCall, "initiator")
	if err != nil {
		return nil, err
	}

	owner, _ := s.channelVar(ctx, initiator.ID, VarUserUUID)
	if owner != userUUID {
		return nil, apierr.NewUserPermissionDenied(userUUID, map[string]any{
			"initiator_call": initiator.ID,
		})
	}

	dialContext, err := s.users.UserLineContext(ctx, userUUID)
	if err != nil {
		return nil, err
	}

	transferredID, err := s.findTransferredCandidate(ctx, initiator.ID)
	if err != nil {
		return nil, err
	}

	return s.Create(ctx, CreateRequest{
		TransferredCall: transferredID,
		InitiatorCall:   initiator.ID,
		Context:         dialContext,
		Exten:           req.Exten,
		Flow:            req.Flow,
		Timeout:         req.Timeout,
	})
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, transferID string) (*Transfer, error) {
	return s.machine.Get(ctx, transferID)
}

// GetFromUser returns one session if it was initiated by the user.
// Anything else looks like an unknown transfer, on purpose.
func (s *Service) GetFromUser(ctx context.Context, userUUID, transferID string) (*Transfer, error) {
	t, err := s.machine.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.InitiatorUUID != userUUID {
		return nil, NewNotFoundError(transferID)
	}
	return t, nil
}

// List returns every live session.
func (s *Service) List(ctx context.Context) ([]*Transfer, error) {
	return s.machine.List(ctx)
}

// ListFromUser returns the user's live sessions.
func (s *Service) ListFromUser(ctx context.Context, userUUID string) ([]*Transfer, error) {
	all, err := s.machine.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Transfer, 0, len(all))
	for _, t := range all {
		if t.InitiatorUUID == userUUID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Complete finishes a transfer: the transferred party ends up with the
// recipient.
func (s *Service) Complete(ctx context.Context, transferID string) error {
	return s.machine.Complete(ctx, transferID)
}

// CompleteFromUser is Complete scoped to the user's own transfers.
func (s *Service) CompleteFromUser(ctx context.Context, userUUID, transferID string) error {
	if _, err := s.GetFromUser(ctx, userUUID, transferID); err != nil {
		return err
	}
	return s.machine.Complete(ctx, transferID)
}

// Cancel aborts a transfer: the transferred party goes back to the
// initiator.
func (s *Service) Cancel(ctx context.Context, transferID string) error {
	return s.machine.Cancel(ctx, transferID)
}

// CancelFromUser is Cancel scoped to the user's own transfers.
func (s *Service) CancelFromUser(ctx context.Context, userUUID, transferID string) error {
	if _, err := s.GetFromUser(ctx, userUUID, transferID); err != nil {
		return err
	}
	return s.machine.Cancel(ctx, transferID)
}

func (s *Service) liveChannel(ctx context.Context, channelID, role string) (*ari.Channel, error) {
	if channelID == "" {
		return nil, apierr.NewValidation(map[string]any{role + "_call": "required"})
	}
	ch, err := s.client.Channels().Get(ctx, channelID)
	if err != nil {
		if ari.IsNotFound(err) {
			return nil, NewCreationError(fmt.Sprintf("%s channel not found", role), map[string]any{
				"channel_id": channelID,
			})
		}
		return nil, err
	}
	if ch.State == "Down" {
		return nil, NewCreationError(fmt.Sprintf("%s channel is down", role), map[string]any{
			"channel_id": channelID,
		})
	}
	return ch, nil
}

func (s *Service) checkExten(ctx context.Context, dialContext, exten string) error {
	if dialContext == "" || exten == "" {
		return apierr.NewValidation(map[string]any{"context": dialContext, "exten": exten})
	}
	exists, err := s.validator.ExtensionExists(ctx, dialContext, exten)
	if err != nil {
		return err
	}
	if !exists {
		return NewCreationError("extension not found", map[string]any{
			"context": dialContext,
			"exten":   exten,
		})
	}
	return nil
}

// inStasis reports whether the leg is already inside the control
// application, marked by the app instance variable the application
// stamps on entry.
func (s *Service) inStasis(ctx context.Context, channelID string) bool {
	v, _ := s.channelVar(ctx, channelID, VarAppInstance)
	return v != ""
}

func (s *Service) channelVar(ctx context.Context, channelID, name string) (string, error) {
	v, err := s.client.Channels().GetVar(ctx, channelID, name)
	if err != nil {
		if ari.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

// findTransferredCandidate picks the initiator's single bridged peer.
func (s *Service) findTransferredCandidate(ctx context.Context, initiatorCall string) (string, error) {
	bridges, err := s.client.Bridges().List(ctx)
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, b := range bridges {
		joined := false
		for _, ch := range b.Channels {
			if ch == initiatorCall {
				joined = true
				break
			}
		}
		if !joined {
			continue
		}
		for _, ch := range b.Channels {
			if ch != initiatorCall {
				candidates = append(candidates, ch)
			}
		}
	}
	switch len(candidates) {
	case 0:
		return "", NewCreationError("no bridged peer to transfer", map[string]any{
			"initiator_call": initiatorCall,
		})
	case 1:
		return candidates[0], nil
	}
	return "", NewTooManyCandidatesError(initiatorCall, candidates)
}

// scheduleTimeout tears the transfer down if the recipient is still
// ringing once the timeout elapses. An answered session is never
// touched by the timer.
func (s *Service) scheduleTimeout(transferID string, seconds int) {
	if seconds <= 0 {
		return
	}
	time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		t, err := s.machine.Get(ctx, transferID)
		if err != nil {
			return
		}
		switch t.Status {
		case StatusReadyNonStasis, StatusStarting, StatusRingback:
			if err := s.machine.Teardown(ctx, transferID); err != nil {
				logger.Debug("[Transfer] Ring timeout teardown incomplete",
					slog.String("transfer_id", transferID), slog.Any("error", err))
			} else {
				logger.Info("[Transfer] Cancelled on ring timeout",
					slog.String("transfer_id", transferID))
			}
		}
	})
}
