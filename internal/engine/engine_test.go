package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerkit/approvalflow/internal/conditions"
	"github.com/ledgerkit/approvalflow/internal/expressions"
	"github.com/ledgerkit/approvalflow/internal/store"
	"github.com/ledgerkit/approvalflow/pkg/schema"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *store.LibSQLStore) {
	return newTestEngineOpts(t, Options{})
}

func newTestEngineOpts(t *testing.T, opts Options) (*Engine, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	reg, err := expressions.NewRegistry()
	require.NoError(t, err)

	if opts.Clock == nil {
		opts.Clock = fixedClock{now: testNow}
	}
	eng := New(st, conditions.New(reg), NewEntityRegistry(), opts)
	return eng, st
}

func seedWorkflow(t *testing.T, st store.Store, steps []schema.StepDefinition) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{
		ID:         uuid.New().String(),
		Module:     "expenses",
		EntityType: "expense_claim",
		Version:    1,
		Active:     true,
		Definition: schema.WorkflowDefinition{Name: "expense-approval", Steps: steps},
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	return wf
}

func claimEntity(amount float64) *schema.MapEntity {
	return &schema.MapEntity{
		Kind: "expense_claim",
		ID:   uuid.New().String(),
		Data: map[string]any{
			"total_amount": amount,
			"currency":     "USD",
			"manager_id":   "mgr-1",
		},
	}
}

func auditActions(t *testing.T, st store.Store, instanceID string) []string {
	t.Helper()
	entries, err := st.ListAudit(context.Background(), instanceID, 0)
	require.NoError(t, err)
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}

func userStep(id string, number int, users ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:         id,
		StepNumber: number,
		Config: schema.StepConfig{
			Approvers: schema.ApproverSpec{Type: schema.ApproverTypeUser, UserIDs: users},
		},
	}
}

func TestStart_AutoApprovedStep(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	step := userStep("review", 1, "u1")
	step.Config.AutoApprovalRules = []schema.AutoApprovalRule{
		{Field: "total_amount", Operator: schema.OpLess, Value: 1000},
	}
	wf := seedWorkflow(t, st, []schema.StepDefinition{step})

	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusApproved, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.CurrentStepID)

	tasks, err := st.ListTasks(ctx, store.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	assert.Equal(t, []string{
		schema.ActionInitiated,
		schema.ActionStepAutoApproved,
		schema.ActionApproved,
	}, auditActions(t, st, inst.ID))
}

func TestStart_AutoApprovalRulesNotMet(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	step := userStep("review", 1, "u1")
	step.Config.AutoApprovalRules = []schema.AutoApprovalRule{
		{Field: "total_amount", Operator: schema.OpLess, Value: 1000},
	}
	wf := seedWorkflow(t, st, []schema.StepDefinition{step})

	entity := claimEntity(5000)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusPending, got.Status)
	assert.Equal(t, "review", got.CurrentStepID)

	tasks, err := st.ListTasks(ctx, store.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "u1", tasks[0].AssignedToUserID)
}

func TestStart_ZeroApproverPassThrough(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := seedWorkflow(t, st, []schema.StepDefinition{
		{
			ID:         "manager",
			StepNumber: 1,
			Config: schema.StepConfig{
				Approvers: schema.ApproverSpec{Type: schema.ApproverTypeDynamic, Path: "missing_field"},
			},
		},
	})

	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusApproved, got.Status)

	assert.Equal(t, []string{
		schema.ActionInitiated,
		schema.ActionStepSkipped,
		schema.ActionApproved,
	}, auditActions(t, st, inst.ID))
}

func TestStart_StepsOrderedByNumber(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	// Declared out of order; step_number drives sequencing.
	wf := seedWorkflow(t, st, []schema.StepDefinition{
		userStep("second", 2, "u2"),
		userStep("first", 1, "u1"),
	})

	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.CurrentStepID)
}

func TestStart_ConditionalStepNotApplicable(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	step := userStep("high-value", 1, "cfo")
	step.Conditions = []schema.Condition{
		{FieldPath: "total_amount", Operator: schema.OpGreater, Value: 1000},
	}
	wf := seedWorkflow(t, st, []schema.StepDefinition{step})

	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusApproved, got.Status)

	tasks, err := st.ListTasks(ctx, store.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// A step passed over by conditions leaves no skip audit row.
	assert.Equal(t, []string{
		schema.ActionInitiated,
		schema.ActionApproved,
	}, auditActions(t, st, inst.ID))
}

func TestStart_SLADueDate(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	step := userStep("review", 1, "u1")
	step.Config.SLAHours = 48
	wf := seedWorkflow(t, st, []schema.StepDefinition{step})

	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	tasks, err := st.ListTasks(ctx, store.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].DueAt)
	assert.WithinDuration(t, testNow.Add(48*time.Hour), *tasks[0].DueAt, time.Second)
}

func TestStart_ConflictWhenInstancePending(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := seedWorkflow(t, st, []schema.StepDefinition{userStep("review", 1, "u1")})
	entity := claimEntity(500)

	_, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	_, err = eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)
}

func TestStart_RoleTasks(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := seedWorkflow(t, st, []schema.StepDefinition{
		{
			ID:         "finance",
			StepNumber: 1,
			Config: schema.StepConfig{
				Approvers: schema.ApproverSpec{
					Type:    schema.ApproverTypeRole,
					RoleIDs: []string{"finance", "audit"},
				},
			},
		},
	})

	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	tasks, err := st.ListTasks(ctx, store.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Empty(t, task.AssignedToUserID)
		assert.NotEmpty(t, task.AssignedToRoleID)
	}
}

func TestCancel(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := seedWorkflow(t, st, []schema.StepDefinition{userStep("review", 1, "u1", "u2")})
	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, inst.ID, "requester", "duplicate claim"))

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	tasks, err := st.ListTasks(ctx, store.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, schema.TaskStatusSkipped, task.Status)
	}

	actions := auditActions(t, st, inst.ID)
	assert.Equal(t, schema.ActionCancelled, actions[len(actions)-1])
}

func TestCancel_TerminalInstanceFails(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := seedWorkflow(t, st, []schema.StepDefinition{userStep("review", 1, "u1")})
	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, inst.ID, "requester", "first"))

	err = eng.Cancel(ctx, inst.ID, "requester", "second")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, flowErr.Code)
}

func TestStart_EmptyWorkflowCompletesImmediately(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	// Approval observer gets notified inside the same transaction.
	notified := false
	entity := &observedEntity{
		MapEntity: claimEntity(500),
		onApprove: func() { notified = true },
	}

	step := userStep("review", 1, "cfo")
	step.Conditions = []schema.Condition{
		{FieldPath: "total_amount", Operator: schema.OpGreater, Value: 100000},
	}
	wf := seedWorkflow(t, st, []schema.StepDefinition{step})

	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusApproved, got.Status)
	assert.True(t, notified)
}

type observedEntity struct {
	*schema.MapEntity
	onApprove func()
}

func (o *observedEntity) OnWorkflowApproved(ctx context.Context) error {
	o.onApprove()
	return nil
}

// recordingNotifier reads created tasks back through the root store, so an
// invocation before the transaction commits would not see them as pending.
type recordingNotifier struct {
	t            *testing.T
	root         store.Store
	tasksVisible int
	completed    []string
}

func (n *recordingNotifier) TasksCreated(ctx context.Context, inst *store.WorkflowInstance, tasks []*store.ApprovalTask) {
	for _, task := range tasks {
		got, err := n.root.GetTask(ctx, task.ID)
		require.NoError(n.t, err)
		if got.Status == schema.TaskStatusPending {
			n.tasksVisible++
		}
	}
}

func (n *recordingNotifier) InstanceCompleted(ctx context.Context, inst *store.WorkflowInstance) {
	n.completed = append(n.completed, inst.ID)
}

func TestStart_NotifiesAfterCommit(t *testing.T) {
	notifier := &recordingNotifier{t: t}
	eng, st := newTestEngineOpts(t, Options{Notifier: notifier})
	notifier.root = st
	ctx := context.Background()

	wf := seedWorkflow(t, st, []schema.StepDefinition{userStep("review", 1, "u1", "u2")})
	entity := claimEntity(500)
	_, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	assert.Equal(t, 2, notifier.tasksVisible)
	assert.Empty(t, notifier.completed)
}

func TestStart_CompletionNotifiedAfterCommit(t *testing.T) {
	notifier := &recordingNotifier{t: t}
	eng, st := newTestEngineOpts(t, Options{Notifier: notifier})
	notifier.root = st
	ctx := context.Background()

	step := userStep("review", 1, "cfo")
	step.Conditions = []schema.Condition{
		{FieldPath: "total_amount", Operator: schema.OpGreater, Value: 100000},
	}
	wf := seedWorkflow(t, st, []schema.StepDefinition{step})

	entity := claimEntity(500)
	inst, err := eng.Start(ctx, wf, entity.Ref(), entity, "requester")
	require.NoError(t, err)

	assert.Equal(t, []string{inst.ID}, notifier.completed)
}
