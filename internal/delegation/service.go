package delegation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerkit/approvalflow/internal/engine"
	"github.com/ledgerkit/approvalflow/internal/logging"
	"github.com/ledgerkit/approvalflow/internal/store"
	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// Service reassigns pending approval tasks between users. Delegation mutates
// the task's assignee directly; the delegation row is the historical record
// and is soft-expired on revocation, never deleted.
type Service struct {
	store  store.Store
	clock  engine.Clock
	logger *slog.Logger
}

// New creates the delegation service.
func New(st store.Store, clock engine.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, clock: clock, logger: logger}
}

// Delegate reassigns a pending task to toUserID. Fails with a domain error
// when the task is not pending or is not assigned to a user.
func (s *Service) Delegate(ctx context.Context, taskID, toUserID, delegatedBy, reason string) (*store.Delegation, error) {
	return s.DelegateUntil(ctx, taskID, toUserID, delegatedBy, reason, nil)
}

// DelegateUntil is Delegate with an optional expiry for time-boxed
// delegations (e.g. vacation cover).
func (s *Service) DelegateUntil(ctx context.Context, taskID, toUserID, delegatedBy, reason string, expiresAt *time.Time) (*store.Delegation, error) {
	if toUserID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "delegate target user is required")
	}

	var d *store.Delegation
	err := s.store.InTx(ctx, func(st store.Store) error {
		task, err := st.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != schema.TaskStatusPending {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"only pending tasks can be delegated; task is %s", task.Status).WithTask(task.ID)
		}
		if task.AssignedToUserID == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"role-assigned tasks cannot be delegated").WithTask(task.ID)
		}
		if task.AssignedToUserID == toUserID {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"task is already assigned to user %s", toUserID).WithTask(task.ID)
		}

		d = &store.Delegation{
			ID:          uuid.New().String(),
			TaskID:      task.ID,
			FromUserID:  task.AssignedToUserID,
			ToUserID:    toUserID,
			DelegatedBy: delegatedBy,
			Reason:      reason,
			DelegatedAt: s.clock.Now(),
			ExpiresAt:   expiresAt,
		}
		if err := st.CreateDelegation(ctx, d); err != nil {
			return err
		}

		if err := st.UpdateTask(ctx, task.ID, store.TaskUpdate{AssignedToUserID: &toUserID}); err != nil {
			return err
		}

		return s.audit(ctx, st, task, delegatedBy, schema.ActionTaskDelegated, map[string]any{
			"delegation_id": d.ID,
			"from_user_id":  d.FromUserID,
			"to_user_id":    d.ToUserID,
			"reason":        reason,
		})
	})
	if err != nil {
		return nil, err
	}

	logging.LogWith(ctx, s.logger).InfoContext(ctx, "task delegated",
		slog.String("task_id", taskID),
		slog.String("from_user", d.FromUserID),
		slog.String("to_user", d.ToUserID),
	)
	return d, nil
}

// Revoke restores the task's original assignee and soft-expires the
// delegation. Fails when the task is no longer pending.
func (s *Service) Revoke(ctx context.Context, delegationID, performedBy string) error {
	err := s.store.InTx(ctx, func(st store.Store) error {
		d, err := st.GetDelegation(ctx, delegationID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if !d.Active(now) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"delegation %s is already expired", d.ID)
		}

		task, err := st.GetTask(ctx, d.TaskID)
		if err != nil {
			return err
		}
		if task.Status != schema.TaskStatusPending {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"delegation cannot be revoked; task is %s", task.Status).WithTask(task.ID)
		}

		if err := st.UpdateTask(ctx, task.ID, store.TaskUpdate{AssignedToUserID: &d.FromUserID}); err != nil {
			return err
		}
		if err := st.ExpireDelegation(ctx, d.ID, now); err != nil {
			return err
		}

		return s.audit(ctx, st, task, performedBy, schema.ActionDelegationRevoked, map[string]any{
			"delegation_id":    d.ID,
			"restored_user_id": d.FromUserID,
		})
	})
	if err != nil {
		return err
	}

	logging.LogWith(ctx, s.logger).InfoContext(ctx, "delegation revoked",
		slog.String("delegation_id", delegationID),
	)
	return nil
}

// ListForTask returns a task's delegation history, newest first.
func (s *Service) ListForTask(ctx context.Context, taskID string) ([]*store.Delegation, error) {
	return s.store.ListDelegations(ctx, taskID)
}

func (s *Service) audit(ctx context.Context, st store.Store, task *store.ApprovalTask, actorID, action string, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "marshal audit metadata").WithCause(err)
	}
	return st.AppendAudit(ctx, &store.AuditEntry{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		Action:     action,
		ActorID:    actorID,
		Origin:     logging.Origin(ctx),
		Metadata:   raw,
	})
}
