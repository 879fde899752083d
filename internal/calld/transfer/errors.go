package transfer

import (
	"fmt"

	"github.com/sebas/switchyard/internal/calld/apierr"
)

// NewCreationError reports an invalid creation request (dead channel,
// bad extension, or an initiator with no transferred peer).
func NewCreationError(reason string, details map[string]any) *apierr.Error {
	return apierr.New(400, "transfer-creation-error", fmt.Sprintf("Transfer creation error: %s", reason), details)
}

// NewTooManyCandidatesError reports an initiator bridged with more than
// one peer, making the transferred party ambiguous.
func NewTooManyCandidatesError(initiatorCall string, candidates []string) *apierr.Error {
	return apierr.New(409, "too-many-transferred-candidates", "Too many transferred candidates", map[string]any{
		"initiator_call": initiatorCall,
		"candidates":     candidates,
	})
}

// NewNotFoundError reports an unknown transfer id.
func NewNotFoundError(transferID string) *apierr.Error {
	return apierr.New(404, "no-such-transfer", fmt.Sprintf("No such transfer: %s", transferID), map[string]any{
		"transfer_id": transferID,
	})
}

// NewCompletionError reports a completion attempt the current state
// does not allow.
func NewCompletionError(transferID string, status Status) *apierr.Error {
	return apierr.New(400, "transfer-completion-error", "Transfer completion error", map[string]any{
		"transfer_id": transferID,
		"status":      string(status),
	})
}

// NewCancellationError reports a cancellation attempt the current state
// does not allow.
func NewCancellationError(transferID string, status Status) *apierr.Error {
	return apierr.New(400, "transfer-cancellation-error", "Transfer cancellation error", map[string]any{
		"transfer_id": transferID,
		"status":      string(status),
	})
}

// NewAnswerError reports a recipient answer arriving in a state that
// has no use for it.
func NewAnswerError(transferID string, status Status) *apierr.Error {
	return apierr.New(400, "transfer-answer-error", "Transfer answer error", map[string]any{
		"transfer_id": transferID,
		"status":      string(status),
	})
}

// NewCompletionFailedError reports a completion that lost the race to a
// concurrent hangup; cause names the leg that vanished.
func NewCompletionFailedError(transferID, cause string) *apierr.Error {
	return apierr.New(400, "transfer-completion-error", fmt.Sprintf("Transfer completion error: %s", cause), map[string]any{
		"transfer_id": transferID,
		"cause":       cause,
	})
}

// NewCancellationFailedError reports a cancellation that lost the race
// to a concurrent hangup.
func NewCancellationFailedError(transferID, cause string) *apierr.Error {
	return apierr.New(400, "transfer-cancellation-error", fmt.Sprintf("Transfer cancellation error: %s", cause), map[string]any{
		"transfer_id": transferID,
		"cause":       cause,
	})
}

// NewAnswerFailedError reports a recipient answer that lost the race to
// a concurrent hangup.
func NewAnswerFailedError(transferID, cause string) *apierr.Error {
	return apierr.New(400, "transfer-answer-error", fmt.Sprintf("Transfer answer error: %s", cause), map[string]any{
		"transfer_id": transferID,
		"cause":       cause,
	})
}
