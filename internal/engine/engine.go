package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerkit/approvalflow/internal/conditions"
	"github.com/ledgerkit/approvalflow/internal/logging"
	"github.com/ledgerkit/approvalflow/internal/store"
	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// TaskApprover is the narrow capability the engine needs to auto-approve a
// task through the regular approval path. The approval service implements it
// and binds itself via BindTaskApprover, breaking the static cycle between
// the two packages.
type TaskApprover interface {
	// ApproveIn approves a task within an already-open transaction.
	ApproveIn(ctx context.Context, st store.Store, task *store.ApprovalTask, actorID, comments string) error
}

// Engine orchestrates the workflow instance lifecycle: starting, step
// advancement, approver resolution, auto-approval, completion, rejection
// and cancellation, with one audit row per status transition.
type Engine struct {
	store    store.Store
	conds    *conditions.Evaluator
	entities *EntityRegistry
	notifier Notifier
	clock    Clock
	logger   *slog.Logger
	approver TaskApprover
}

// Options configures optional engine collaborators.
type Options struct {
	Notifier Notifier
	Clock    Clock
	Logger   *slog.Logger
}

// New creates a workflow engine.
func New(st store.Store, conds *conditions.Evaluator, entities *EntityRegistry, opts Options) *Engine {
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:    st,
		conds:    conds,
		entities: entities,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// BindTaskApprover injects the approval capability. Must be called before
// any workflow with self-approval steps is started.
func (e *Engine) BindTaskApprover(a TaskApprover) {
	e.approver = a
}

// Clock exposes the engine's clock to collaborating services.
func (e *Engine) Clock() Clock { return e.clock }

// Entities exposes the entity registry to collaborating services.
func (e *Engine) Entities() *EntityRegistry { return e.entities }

// Start creates a pending instance for the given workflow version and subject
// entity, logs the initiation and immediately processes the first applicable
// step. The whole operation commits atomically; partial task creation is
// never observable.
func (e *Engine) Start(ctx context.Context, wf *store.Workflow, ref schema.EntityRef, entity schema.FieldAccessible, initiatedBy string) (*store.WorkflowInstance, error) {
	var inst *store.WorkflowInstance

	err := e.store.InTx(ctx, func(st store.Store) error {
		existing, err := st.FindActiveInstance(ctx, ref.Kind, ref.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"entity %s/%s already has a pending workflow instance", ref.Kind, ref.ID)
		}

		now := e.clock.Now()
		inst = &store.WorkflowInstance{
			ID:          uuid.New().String(),
			WorkflowID:  wf.ID,
			EntityType:  ref.Kind,
			EntityID:    ref.ID,
			Status:      schema.InstanceStatusPending,
			InitiatedBy: initiatedBy,
			InitiatedAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := st.CreateInstance(ctx, inst); err != nil {
			return err
		}
		if err := e.logAction(ctx, st, inst, initiatedBy, schema.ActionInitiated,
			"", string(schema.InstanceStatusPending), nil); err != nil {
			return err
		}
		return e.Advance(ctx, st, inst, entity)
	})
	if err != nil {
		return nil, err
	}

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow started",
		slog.String("instance_id", inst.ID),
		slog.String("workflow_id", wf.ID),
		slog.String("entity_type", ref.Kind),
		slog.String("entity_id", ref.ID),
	)
	return inst, nil
}

// Advance moves the instance to the lowest-numbered applicable step after the
// current one, or completes the workflow as approved when none remains. It
// must run inside the caller's transaction; the approval service re-enters
// here after a step's completion policy is satisfied.
func (e *Engine) Advance(ctx context.Context, st store.Store, inst *store.WorkflowInstance, entity schema.FieldAccessible) error {
	if InstanceTerminal(inst.Status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %s is %s and accepts no further processing", inst.ID, inst.Status)
	}

	wf, err := st.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return err
	}
	if entity == nil {
		entity, err = e.entities.Load(ctx, inst.EntityRef())
		if err != nil {
			return err
		}
	}

	next := e.nextApplicableStep(ctx, &wf.Definition, inst.CurrentStepID, entity)
	if next == nil {
		return e.complete(ctx, st, inst, entity)
	}

	stepID := next.ID
	inst.CurrentStepID = stepID
	if err := st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{CurrentStepID: &stepID}); err != nil {
		return err
	}
	return e.createApprovalTasks(ctx, st, inst, next, entity)
}

// nextApplicableStep returns the lowest-numbered step after the current one
// whose conditions hold for the entity, or nil when the workflow is done.
// Steps whose conditions do not hold are passed over without audit rows.
func (e *Engine) nextApplicableStep(ctx context.Context, def *schema.WorkflowDefinition, currentStepID string, entity schema.FieldAccessible) *schema.StepDefinition {
	currentNumber := 0
	if currentStepID != "" {
		if cur := def.StepByID(currentStepID); cur != nil {
			currentNumber = cur.StepNumber
		}
	}

	ordered := make([]*schema.StepDefinition, 0, len(def.Steps))
	for i := range def.Steps {
		ordered = append(ordered, &def.Steps[i])
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StepNumber < ordered[j].StepNumber
	})

	for _, step := range ordered {
		if step.StepNumber <= currentNumber {
			continue
		}
		if e.conds.StepApplies(ctx, step, entity) {
			return step
		}
	}
	return nil
}

// createApprovalTasks materializes approval work for a step. Auto-approval
// rules and zero-approver resolution both pass the step through and recurse
// into Advance; a stuck instance is never left behind.
func (e *Engine) createApprovalTasks(ctx context.Context, st store.Store, inst *store.WorkflowInstance, step *schema.StepDefinition, entity schema.FieldAccessible) error {
	if len(step.Config.AutoApprovalRules) > 0 &&
		e.conds.RulesPass(ctx, step.Config.AutoApprovalRules, entity) {
		if err := e.logAction(ctx, st, inst, "", schema.ActionStepAutoApproved, "", "",
			map[string]any{"step_id": step.ID}); err != nil {
			return err
		}
		return e.Advance(ctx, st, inst, entity)
	}

	assignments, err := ResolveApprovers(step.Config.Approvers, entity)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		if err := e.logAction(ctx, st, inst, "", schema.ActionStepSkipped, "", "",
			map[string]any{"step_id": step.ID}); err != nil {
			return err
		}
		return e.Advance(ctx, st, inst, entity)
	}

	now := e.clock.Now()
	var dueAt *time.Time
	if step.Config.SLAHours > 0 {
		d := now.Add(time.Duration(step.Config.SLAHours) * time.Hour)
		dueAt = &d
	}

	tasks := make([]*store.ApprovalTask, 0, len(assignments))
	for _, a := range assignments {
		tasks = append(tasks, &store.ApprovalTask{
			ID:               uuid.New().String(),
			InstanceID:       inst.ID,
			StepID:           step.ID,
			AssignedToUserID: a.UserID,
			AssignedToRoleID: a.RoleID,
			Status:           schema.TaskStatusPending,
			DueAt:            dueAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	if err := st.CreateTasks(ctx, tasks); err != nil {
		return err
	}

	var toNotify []*store.ApprovalTask
	for _, task := range tasks {
		if step.Config.AllowSelfApproval && task.AssignedToUserID == inst.InitiatedBy && e.approver != nil {
			if err := e.approver.ApproveIn(ctx, st, task, inst.InitiatedBy,
				"auto-approved: assignee is the initiator"); err != nil {
				return err
			}
			continue
		}
		toNotify = append(toNotify, task)
	}

	// A self-approval above may have completed the step and skipped the
	// remaining siblings; only notify tasks still pending.
	var pending []*store.ApprovalTask
	for _, task := range toNotify {
		fresh, err := st.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if fresh.Status == schema.TaskStatusPending {
			pending = append(pending, fresh)
		}
	}
	if len(pending) > 0 {
		// Dispatch only after the enclosing transaction commits; a rollback
		// must not leak notifications for tasks that never existed.
		st.AfterCommit(func() {
			e.notifier.TasksCreated(ctx, inst, pending)
		})
	}
	return nil
}

// complete transitions the instance to approved and notifies the subject
// entity when it observes approvals.
func (e *Engine) complete(ctx context.Context, st store.Store, inst *store.WorkflowInstance, entity schema.FieldAccessible) error {
	if err := CheckInstanceTransition(inst.ID, inst.Status, schema.InstanceStatusApproved); err != nil {
		return err
	}

	from := inst.Status
	now := e.clock.Now()
	approved := schema.InstanceStatusApproved
	noStep := ""
	if err := st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:        &approved,
		CurrentStepID: &noStep,
		CompletedAt:   &now,
	}); err != nil {
		return err
	}
	inst.Status = approved
	inst.CurrentStepID = ""
	inst.CompletedAt = &now

	if err := e.logAction(ctx, st, inst, "", schema.ActionApproved,
		string(from), string(approved), nil); err != nil {
		return err
	}

	if obs, ok := entity.(schema.ApprovalObserver); ok {
		if err := obs.OnWorkflowApproved(ctx); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"entity approval observer failed: %s", err.Error()).WithCause(err)
		}
	}
	st.AfterCommit(func() {
		e.notifier.InstanceCompleted(ctx, inst)
	})
	return nil
}

// RejectWorkflow transitions the instance to rejected, skipping all still
// pending tasks. Terminal; no further step processing happens.
func (e *Engine) RejectWorkflow(ctx context.Context, st store.Store, inst *store.WorkflowInstance, actorID, reason string, entity schema.FieldAccessible) error {
	if err := CheckInstanceTransition(inst.ID, inst.Status, schema.InstanceStatusRejected); err != nil {
		return err
	}

	if err := e.skipPendingTasks(ctx, st, inst, actorID); err != nil {
		return err
	}

	from := inst.Status
	now := e.clock.Now()
	rejected := schema.InstanceStatusRejected
	noStep := ""
	if err := st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:        &rejected,
		CurrentStepID: &noStep,
		CompletedAt:   &now,
	}); err != nil {
		return err
	}
	inst.Status = rejected
	inst.CurrentStepID = ""
	inst.CompletedAt = &now

	if err := e.logAction(ctx, st, inst, actorID, schema.ActionRejected,
		string(from), string(rejected), map[string]any{"reason": reason}); err != nil {
		return err
	}

	if entity == nil {
		loaded, err := e.entities.Load(ctx, inst.EntityRef())
		if err == nil {
			entity = loaded
		}
	}
	if obs, ok := entity.(schema.RejectionObserver); ok {
		if err := obs.OnWorkflowRejected(ctx, reason); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"entity rejection observer failed: %s", err.Error()).WithCause(err)
		}
	}
	st.AfterCommit(func() {
		e.notifier.InstanceCompleted(ctx, inst)
	})
	return nil
}

// Cancel transitions a pending instance to cancelled. User-initiated only;
// a terminal instance fails with a domain error rather than no-opping.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) error {
	return e.store.InTx(ctx, func(st store.Store) error {
		inst, err := st.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if err := CheckInstanceTransition(inst.ID, inst.Status, schema.InstanceStatusCancelled); err != nil {
			return err
		}

		if err := e.skipPendingTasks(ctx, st, inst, actorID); err != nil {
			return err
		}

		from := inst.Status
		now := e.clock.Now()
		cancelled := schema.InstanceStatusCancelled
		noStep := ""
		if err := st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
			Status:        &cancelled,
			CurrentStepID: &noStep,
			CompletedAt:   &now,
		}); err != nil {
			return err
		}
		inst.Status = cancelled
		inst.CompletedAt = &now

		return e.logAction(ctx, st, inst, actorID, schema.ActionCancelled,
			string(from), string(cancelled), map[string]any{"reason": reason})
	})
}

// skipPendingTasks marks every pending task of the instance as skipped, one
// audit row per task.
func (e *Engine) skipPendingTasks(ctx context.Context, st store.Store, inst *store.WorkflowInstance, actorID string) error {
	pending := schema.TaskStatusPending
	tasks, err := st.ListTasks(ctx, store.TaskFilter{InstanceID: inst.ID, Status: &pending})
	if err != nil {
		return err
	}
	skipped := schema.TaskStatusSkipped
	for _, task := range tasks {
		if err := st.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &skipped}); err != nil {
			return err
		}
		entry := &store.AuditEntry{
			InstanceID: inst.ID,
			TaskID:     task.ID,
			Action:     schema.ActionTaskSkipped,
			FromStatus: string(schema.TaskStatusPending),
			ToStatus:   string(schema.TaskStatusSkipped),
			ActorID:    actorID,
			Origin:     logging.Origin(ctx),
		}
		if err := st.AppendAudit(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// logAction appends one immutable audit row, capturing the actor's network
// origin from the request context.
func (e *Engine) logAction(ctx context.Context, st store.Store, inst *store.WorkflowInstance, actorID, action, fromStatus, toStatus string, metadata map[string]any) error {
	entry := &store.AuditEntry{
		InstanceID: inst.ID,
		Action:     action,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		ActorID:    actorID,
		Origin:     logging.Origin(ctx),
		CreatedAt:  e.clock.Now(),
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
