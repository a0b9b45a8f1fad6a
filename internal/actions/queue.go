package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/store"
)

// Executor applies an approved action against the external knowledge-entity
// collaborators (FAQ/campaign/product/settings services).
type Executor interface {
	Execute(ctx context.Context, action models.PendingAction) (json.RawMessage, error)
}

// NoopExecutor records approval without performing any side effect. Used
// when no external executor is wired.
type NoopExecutor struct{}

// Execute implements Executor.
func (NoopExecutor) Execute(ctx context.Context, action models.PendingAction) (json.RawMessage, error) {
	return json.RawMessage(`{"noop":true}`), nil
}

// Queue drives PendingActions through the approval state machine.
type Queue struct {
	repo store.ActionRepo
	exec Executor
}

// NewQueue creates an approval queue. A nil executor defaults to NoopExecutor.
func NewQueue(repo store.ActionRepo, exec Executor) *Queue {
	if exec == nil {
		exec = NoopExecutor{}
	}
	return &Queue{repo: repo, exec: exec}
}

// Enqueue persists a freshly extracted proposal.
func (q *Queue) Enqueue(action models.PendingAction) error {
	if err := q.repo.AddAction(action); err != nil {
		return fmt.Errorf("failed to enqueue action: %w", err)
	}
	return nil
}

// List returns actions filtered by status; an empty status returns all.
func (q *Queue) List(status models.ActionStatus, limit int) ([]models.PendingAction, error) {
	return q.repo.ListActions(status, limit)
}

// Get returns a single action by id.
func (q *Queue) Get(id string) (*models.PendingAction, error) {
	return q.repo.GetAction(id)
}

// Approve moves a pending action to approved and immediately executes it.
// The execution outcome is terminalized onto the action: executed with a
// result, or failed with the error detail. Failed actions are never retried
// automatically.
func (q *Queue) Approve(ctx context.Context, id string) (*models.PendingAction, error) {
	if err := q.repo.TransitionAction(id, models.ActionPending, models.ActionApproved, "", nil); err != nil {
		return nil, err
	}
	action, err := q.repo.GetAction(id)
	if err != nil {
		return nil, err
	}

	result, execErr := q.exec.Execute(ctx, *action)
	if execErr != nil {
		slog.Error("Queue.Approve: action execution failed", "action_id", id, "action_type", action.ActionType, "error", execErr)
		if err := q.repo.TransitionAction(id, models.ActionApproved, models.ActionFailed, execErr.Error(), nil); err != nil {
			return nil, err
		}
	} else {
		slog.Info("Queue.Approve: action executed", "action_id", id, "action_type", action.ActionType)
		if err := q.repo.TransitionAction(id, models.ActionApproved, models.ActionExecuted, "", result); err != nil {
			return nil, err
		}
	}
	return q.repo.GetAction(id)
}

// Reject terminally rejects a pending action.
func (q *Queue) Reject(id string) (*models.PendingAction, error) {
	if err := q.repo.TransitionAction(id, models.ActionPending, models.ActionRejected, "", nil); err != nil {
		return nil, err
	}
	return q.repo.GetAction(id)
}

// Patch edits the summary/payload of an action while it is still pending.
// A non-nil payload is validated against the action's type first.
func (q *Queue) Patch(id string, summary string, payload json.RawMessage) (*models.PendingAction, error) {
	if payload != nil {
		action, err := q.repo.GetAction(id)
		if err != nil {
			return nil, err
		}
		if err := models.ValidateActionPayload(action.ActionType, payload); err != nil {
			return nil, err
		}
	}
	if err := q.repo.UpdateActionPayload(id, summary, payload); err != nil {
		return nil, err
	}
	return q.repo.GetAction(id)
}
