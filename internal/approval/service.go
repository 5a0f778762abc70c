package approval

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ledgerkit/approvalflow/internal/engine"
	"github.com/ledgerkit/approvalflow/internal/logging"
	"github.com/ledgerkit/approvalflow/internal/store"
	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// Delegator is the slice of the delegation service the approval surface
// exposes as a pass-through.
type Delegator interface {
	Delegate(ctx context.Context, taskID, toUserID, delegatedBy, reason string) (*store.Delegation, error)
}

// Service handles approver actions on tasks: approve, reject, delegate and
// worklist queries. Approvals re-enter the engine when a step's completion
// policy is satisfied.
type Service struct {
	store     store.Store
	engine    *engine.Engine
	delegator Delegator
	logger    *slog.Logger
}

// New creates the approval service and binds it into the engine as its
// task-approval capability.
func New(st store.Store, eng *engine.Engine, delegator Delegator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: st, engine: eng, delegator: delegator, logger: logger}
	eng.BindTaskApprover(s)
	return s
}

// Approve approves a task on behalf of userID and evaluates the owning
// step's completion policy, advancing the instance when satisfied. The whole
// action is one transaction.
func (s *Service) Approve(ctx context.Context, taskID, userID, comments string) error {
	return s.store.InTx(ctx, func(st store.Store) error {
		task, err := st.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		return s.ApproveIn(ctx, st, task, userID, comments)
	})
}

// ApproveIn approves a task inside an already-open transaction. The engine
// uses this path directly for initiator self-approval.
func (s *Service) ApproveIn(ctx context.Context, st store.Store, task *store.ApprovalTask, actorID, comments string) error {
	if err := engine.CheckTaskTransition(task.ID, task.Status, schema.TaskStatusApproved); err != nil {
		return err
	}
	if task.AssignedToUserID != "" && task.AssignedToUserID != actorID {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"task is assigned to user %s", task.AssignedToUserID).WithTask(task.ID)
	}

	inst, err := st.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	if engine.InstanceTerminal(inst.Status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %s is %s and accepts no further approvals", inst.ID, inst.Status)
	}

	now := s.engine.Clock().Now()
	approved := schema.TaskStatusApproved
	update := store.TaskUpdate{
		Status:     &approved,
		ApprovedBy: &actorID,
		ApprovedAt: &now,
	}
	if comments != "" {
		update.Comments = &comments
	}
	if err := st.UpdateTask(ctx, task.ID, update); err != nil {
		return err
	}
	task.Status = approved
	task.ApprovedBy = actorID

	meta := map[string]any{}
	if comments != "" {
		meta["comments"] = comments
	}
	if err := s.auditTask(ctx, st, task, actorID, schema.ActionTaskApproved,
		schema.TaskStatusPending, schema.TaskStatusApproved, meta); err != nil {
		return err
	}

	logging.LogWith(ctx, s.logger).InfoContext(ctx, "task approved",
		slog.String("task_id", task.ID),
		slog.String("instance_id", inst.ID),
		slog.String("approved_by", actorID),
	)

	return s.checkStepCompletion(ctx, st, inst, task.StepID, actorID)
}

// Reject rejects a task and unconditionally rejects the owning instance; a
// single rejection fails the step regardless of its completion policy.
func (s *Service) Reject(ctx context.Context, taskID, userID, reason, comments string) error {
	return s.store.InTx(ctx, func(st store.Store) error {
		task, err := st.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := engine.CheckTaskTransition(task.ID, task.Status, schema.TaskStatusRejected); err != nil {
			return err
		}
		if task.AssignedToUserID != "" && task.AssignedToUserID != userID {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"task is assigned to user %s", task.AssignedToUserID).WithTask(task.ID)
		}

		inst, err := st.GetInstance(ctx, task.InstanceID)
		if err != nil {
			return err
		}
		if engine.InstanceTerminal(inst.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"instance %s is %s and accepts no further rejections", inst.ID, inst.Status)
		}

		rejected := schema.TaskStatusRejected
		update := store.TaskUpdate{
			Status:          &rejected,
			RejectionReason: &reason,
		}
		if comments != "" {
			update.Comments = &comments
		}
		if err := st.UpdateTask(ctx, task.ID, update); err != nil {
			return err
		}
		task.Status = rejected

		meta := map[string]any{"reason": reason}
		if comments != "" {
			meta["comments"] = comments
		}
		if err := s.auditTask(ctx, st, task, userID, schema.ActionTaskRejected,
			schema.TaskStatusPending, schema.TaskStatusRejected, meta); err != nil {
			return err
		}

		logging.LogWith(ctx, s.logger).InfoContext(ctx, "task rejected",
			slog.String("task_id", task.ID),
			slog.String("instance_id", inst.ID),
			slog.String("rejected_by", userID),
		)

		return s.engine.RejectWorkflow(ctx, st, inst, userID, reason, nil)
	})
}

// Delegate is a thin pass-through to the delegation service.
func (s *Service) Delegate(ctx context.Context, taskID, toUserID, delegatedBy, reason string) (*store.Delegation, error) {
	if s.delegator == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no delegation service bound")
	}
	return s.delegator.Delegate(ctx, taskID, toUserID, delegatedBy, reason)
}

// PendingForUser returns a user's open worklist, soonest due first.
func (s *Service) PendingForUser(ctx context.Context, userID string) ([]*store.ApprovalTask, error) {
	pending := schema.TaskStatusPending
	return s.store.ListTasks(ctx, store.TaskFilter{
		AssignedToUserID: userID,
		Status:           &pending,
	})
}

// PendingForRole returns a role's open worklist, soonest due first.
func (s *Service) PendingForRole(ctx context.Context, roleID string) ([]*store.ApprovalTask, error) {
	pending := schema.TaskStatusPending
	return s.store.ListTasks(ctx, store.TaskFilter{
		AssignedToRoleID: roleID,
		Status:           &pending,
	})
}

// checkStepCompletion recomputes the step's completion policy after an
// approval. The caller's transaction holds the database write lock, so
// concurrent sibling approvals serialize through here and never observe a
// stale approved count.
func (s *Service) checkStepCompletion(ctx context.Context, st store.Store, inst *store.WorkflowInstance, stepID, actorID string) error {
	wf, err := st.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return err
	}
	step := wf.Definition.StepByID(stepID)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"step %s not found in workflow %s", stepID, wf.ID)
	}

	tasks, err := st.ListTasks(ctx, store.TaskFilter{InstanceID: inst.ID, StepID: stepID})
	if err != nil {
		return err
	}

	var approved, total int
	for _, t := range tasks {
		switch t.Status {
		case schema.TaskStatusApproved:
			approved++
			total++
		case schema.TaskStatusPending, schema.TaskStatusRejected:
			total++
		}
		// Skipped tasks count toward neither side.
	}

	var complete bool
	switch step.Config.Policy() {
	case schema.ApprovalTypeAnyOne:
		complete = approved >= 1
	case schema.ApprovalTypeMajority:
		complete = approved > total/2
	case schema.ApprovalTypeAll:
		complete = approved == total
	}
	if !complete {
		return nil
	}

	skipped := schema.TaskStatusSkipped
	for _, t := range tasks {
		if t.Status != schema.TaskStatusPending {
			continue
		}
		if err := st.UpdateTask(ctx, t.ID, store.TaskUpdate{Status: &skipped}); err != nil {
			return err
		}
		if err := s.auditTask(ctx, st, t, actorID, schema.ActionTaskSkipped,
			schema.TaskStatusPending, schema.TaskStatusSkipped, nil); err != nil {
			return err
		}
	}

	return s.engine.Advance(ctx, st, inst, nil)
}

// auditTask appends one audit row for a task status transition.
func (s *Service) auditTask(ctx context.Context, st store.Store, task *store.ApprovalTask, actorID, action string, from, to schema.TaskStatus, metadata map[string]any) error {
	entry := &store.AuditEntry{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		Action:     action,
		FromStatus: string(from),
		ToStatus:   string(to),
		ActorID:    actorID,
		Origin:     logging.Origin(ctx),
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "marshal audit metadata").WithCause(err)
		}
		entry.Metadata = raw
	}
	return st.AppendAudit(ctx, entry)
}
