package approval

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
	"github.com/ledgerkit/approvalflow/internal/delegation"
	"github.com/ledgerkit/approvalflow/internal/engine"
	"github.com/ledgerkit/approvalflow/internal/expressions"
	"github.com/ledgerkit/approvalflow/internal/store"
	"github.com/ledgerkit/approvalflow/pkg/schema"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

// stack wires the full engine, approval and delegation services over a
// temp-file database, the way a document service embeds this library.
type stack struct {
	st       *store.LibSQLStore
	eng      *engine.Engine
	approval *Service
	deleg    *delegation.Service
	entities map[string]*schema.MapEntity
}

func newStack(t *testing.T) *stack {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	reg, err := expressions.NewRegistry()
	require.NoError(t, err)

	s := &stack{st: st, entities: make(map[string]*schema.MapEntity)}

	entityReg := engine.NewEntityRegistry()
	entityReg.Register("expense_claim", engine.LoaderFunc(
		func(ctx context.Context, id string) (schema.FieldAccessible, error) {
			e, ok := s.entities[id]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity %q not found", id)
			}
			return e, nil
		}))

	s.eng = engine.New(st, conditions.New(reg), entityReg, engine.Options{
		Clock: fixedClock{now: testNow},
	})
	s.deleg = delegation.New(st, fixedClock{now: testNow}, nil)
	s.approval = New(st, s.eng, s.deleg, nil)
	return s
}

func (s *stack) addEntity(amount float64) *schema.MapEntity {
	e := &schema.MapEntity{
		Kind: "expense_claim",
		ID:   uuid.New().String(),
		Data: map[string]any{"total_amount": amount, "currency": "USD"},
	}
	s.entities[e.ID] = e
	return e
}

func (s *stack) start(t *testing.T, steps []schema.StepDefinition, initiatedBy string) *store.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	wf := &store.Workflow{
		ID:         uuid.New().String(),
		Module:     "expenses",
		EntityType: "expense_claim",
		Version:    1,
		Active:     true,
		Definition: schema.WorkflowDefinition{Name: "expense-approval", Steps: steps},
	}
	require.NoError(t, s.st.CreateWorkflow(ctx, wf))

	entity := s.addEntity(500)
	inst, err := s.eng.Start(ctx, wf, entity.Ref(), entity, initiatedBy)
	require.NoError(t, err)
	return inst
}

func (s *stack) tasks(t *testing.T, instanceID string) []*store.ApprovalTask {
	t.Helper()
	tasks, err := s.st.ListTasks(context.Background(), store.TaskFilter{InstanceID: instanceID})
	require.NoError(t, err)
	return tasks
}

func (s *stack) taskFor(t *testing.T, instanceID, userID string) *store.ApprovalTask {
	t.Helper()
	for _, task := range s.tasks(t, instanceID) {
		if task.AssignedToUserID == userID {
			return task
		}
	}
	t.Fatalf("no task assigned to %s", userID)
	return nil
}

func (s *stack) instance(t *testing.T, id string) *store.WorkflowInstance {
	t.Helper()
	inst, err := s.st.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func userStep(id string, number int, policy schema.ApprovalType, users ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:         id,
		StepNumber: number,
		Config: schema.StepConfig{
			Approvers:    schema.ApproverSpec{Type: schema.ApproverTypeUser, UserIDs: users},
			ApprovalType: policy,
		},
	}
}

// Scenario: one unconditional step, approval_type=all, two approvers. Both
// approve and the instance completes.
func TestApprove_AllPolicyBothApprove(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("review", 1, schema.ApprovalTypeAll, "alice", "bob"),
	}, "requester")

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "alice").ID, "alice", "ok"))
	assert.Equal(t, schema.InstanceStatusPending, s.instance(t, inst.ID).Status)

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "bob").ID, "bob", ""))

	got := s.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusApproved, got.Status)
	require.NotNil(t, got.CompletedAt)
}

// Scenario: first approver approves, second rejects. The instance goes
// rejected immediately regardless of policy.
func TestReject_SecondApproverRejects(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("review", 1, schema.ApprovalTypeAll, "alice", "bob"),
	}, "requester")

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "alice").ID, "alice", ""))
	require.NoError(t, s.approval.Reject(ctx, s.taskFor(t, inst.ID, "bob").ID, "bob", "over budget", ""))

	got := s.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusRejected, got.Status)
	require.NotNil(t, got.CompletedAt)

	bobTask := s.taskFor(t, inst.ID, "bob")
	assert.Equal(t, schema.TaskStatusRejected, bobTask.Status)
	assert.Equal(t, "over budget", bobTask.RejectionReason)
}

// Scenario: majority policy with 3 approvers; the 2nd approval completes the
// step and auto-skips the 3rd task.
func TestApprove_MajorityPolicy(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("review", 1, schema.ApprovalTypeMajority, "alice", "bob", "carol"),
	}, "requester")

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "alice").ID, "alice", ""))
	assert.Equal(t, schema.InstanceStatusPending, s.instance(t, inst.ID).Status)

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "bob").ID, "bob", ""))

	got := s.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusApproved, got.Status)

	carolTask := s.taskFor(t, inst.ID, "carol")
	assert.Equal(t, schema.TaskStatusSkipped, carolTask.Status)
}

func TestApprove_AnyOneSkipsSiblings(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("review", 1, schema.ApprovalTypeAnyOne, "alice", "bob"),
	}, "requester")

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "alice").ID, "alice", ""))

	assert.Equal(t, schema.InstanceStatusApproved, s.instance(t, inst.ID).Status)
	assert.Equal(t, schema.TaskStatusSkipped, s.taskFor(t, inst.ID, "bob").Status)
}

// Scenario: delegate a pending task from alice to bob; bob approves. The
// task records bob as approver and the delegation is not auto-expired.
func TestDelegateThenApprove(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("review", 1, schema.ApprovalTypeAll, "alice"),
	}, "requester")

	task := s.taskFor(t, inst.ID, "alice")
	d, err := s.approval.Delegate(ctx, task.ID, "bob", "alice", "vacation")
	require.NoError(t, err)

	task = s.taskFor(t, inst.ID, "bob")
	assert.Equal(t, schema.TaskStatusPending, task.Status)

	require.NoError(t, s.approval.Approve(ctx, task.ID, "bob", ""))

	task, err = s.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", task.ApprovedBy)

	d, err = s.st.GetDelegation(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, d.ExpiresAt)

	assert.Equal(t, schema.InstanceStatusApproved, s.instance(t, inst.ID).Status)
}

func TestApprove_SelfApproval(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	step := userStep("review", 1, schema.ApprovalTypeAll, "requester", "boss")
	step.Config.AllowSelfApproval = true
	inst := s.start(t, []schema.StepDefinition{step}, "requester")

	// The initiator's task was auto-approved on step entry.
	own := s.taskFor(t, inst.ID, "requester")
	assert.Equal(t, schema.TaskStatusApproved, own.Status)
	assert.Equal(t, "requester", own.ApprovedBy)
	assert.NotEmpty(t, own.Comments)

	bossTask := s.taskFor(t, inst.ID, "boss")
	assert.Equal(t, schema.TaskStatusPending, bossTask.Status)

	require.NoError(t, s.approval.Approve(ctx, bossTask.ID, "boss", ""))
	assert.Equal(t, schema.InstanceStatusApproved, s.instance(t, inst.ID).Status)
}

func TestApprove_SelfApprovalDisallowed(t *testing.T) {
	s := newStack(t)

	step := userStep("review", 1, schema.ApprovalTypeAll, "requester")
	inst := s.start(t, []schema.StepDefinition{step}, "requester")

	// Without allow_self_approval the initiator's task stays pending.
	own := s.taskFor(t, inst.ID, "requester")
	assert.Equal(t, schema.TaskStatusPending, own.Status)
}

func TestApprove_MultiStepAdvancement(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("manager", 1, schema.ApprovalTypeAnyOne, "mgr"),
		userStep("finance", 2, schema.ApprovalTypeAnyOne, "fin"),
	}, "requester")

	assert.Equal(t, "manager", s.instance(t, inst.ID).CurrentStepID)

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "mgr").ID, "mgr", ""))

	got := s.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusPending, got.Status)
	assert.Equal(t, "finance", got.CurrentStepID)

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "fin").ID, "fin", ""))
	assert.Equal(t, schema.InstanceStatusApproved, s.instance(t, inst.ID).Status)
}

func TestApprove_WrongAssignee(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("review", 1, schema.ApprovalTypeAll, "alice"),
	}, "requester")

	err := s.approval.Approve(ctx, s.taskFor(t, inst.ID, "alice").ID, "mallory", "")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)
}

func TestApprove_RoleTaskAnyActor(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		{
			ID:         "finance",
			StepNumber: 1,
			Config: schema.StepConfig{
				Approvers:    schema.ApproverSpec{Type: schema.ApproverTypeRole, RoleIDs: []string{"finance"}},
				ApprovalType: schema.ApprovalTypeAnyOne,
			},
		},
	}, "requester")

	task := s.tasks(t, inst.ID)[0]
	require.NoError(t, s.approval.Approve(ctx, task.ID, "any-finance-user", ""))

	got, err := s.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "any-finance-user", got.ApprovedBy)
	assert.Equal(t, schema.InstanceStatusApproved, s.instance(t, inst.ID).Status)
}

func TestApprove_AlreadyTerminalTask(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("review", 1, schema.ApprovalTypeAnyOne, "alice", "bob"),
	}, "requester")

	aliceTask := s.taskFor(t, inst.ID, "alice")
	bobTask := s.taskFor(t, inst.ID, "bob")
	require.NoError(t, s.approval.Approve(ctx, aliceTask.ID, "alice", ""))

	// Bob's task was auto-skipped when alice completed the step.
	err := s.approval.Approve(ctx, bobTask.ID, "bob", "")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, flowErr.Code)
}

func TestPendingWorklists(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		{
			ID:         "mixed",
			StepNumber: 1,
			Config: schema.StepConfig{
				Approvers: schema.ApproverSpec{
					Type:    schema.ApproverTypeUser,
					UserIDs: []string{"alice"},
				},
				SLAHours: 24,
			},
		},
	}, "requester")

	forAlice, err := s.approval.PendingForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, forAlice, 1)
	assert.Equal(t, inst.ID, forAlice[0].InstanceID)

	require.NoError(t, s.approval.Approve(ctx, forAlice[0].ID, "alice", ""))

	forAlice, err = s.approval.PendingForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, forAlice)
}

func TestAudit_RoundTripPerTransition(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	inst := s.start(t, []schema.StepDefinition{
		userStep("review", 1, schema.ApprovalTypeAll, "alice"),
	}, "requester")

	require.NoError(t, s.approval.Approve(ctx, s.taskFor(t, inst.ID, "alice").ID, "alice", "fine"))

	entries, err := s.st.ListAudit(ctx, inst.ID, 0)
	require.NoError(t, err)

	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	assert.Equal(t, []string{
		schema.ActionInitiated,
		schema.ActionTaskApproved,
		schema.ActionApproved,
	}, actions)

	// Every entry carries a contiguous per-instance sequence.
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	taskEntry := entries[1]
	assert.Equal(t, string(schema.TaskStatusPending), taskEntry.FromStatus)
	assert.Equal(t, string(schema.TaskStatusApproved), taskEntry.ToStatus)
	assert.Equal(t, "alice", taskEntry.ActorID)
}
