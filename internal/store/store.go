package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// FindActiveWorkflow returns (nil, nil) when no active workflow matches.
	// With multiple active versions the highest version wins.
	FindActiveWorkflow(ctx context.Context, module, entityType string) (*Workflow, error)

	// Instances
	CreateInstance(ctx context.Context, inst *WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	// FindActiveInstance returns (nil, nil) when the entity has no pending instance.
	FindActiveInstance(ctx context.Context, entityType, entityID string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)

	// Approval tasks
	CreateTasks(ctx context.Context, tasks []*ApprovalTask) error
	GetTask(ctx context.Context, id string) (*ApprovalTask, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	// ListTasks orders by due_at (soonest first, nulls last), then created_at.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*ApprovalTask, error)

	// Delegations
	CreateDelegation(ctx context.Context, d *Delegation) error
	GetDelegation(ctx context.Context, id string) (*Delegation, error)
	ExpireDelegation(ctx context.Context, id string, at time.Time) error
	ListDelegations(ctx context.Context, taskID string) ([]*Delegation, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, instanceID string, since int64) ([]*AuditEntry, error)

	// InTx runs fn inside a single transaction; the Store passed to fn is
	// transaction-scoped. Nested calls join the enclosing transaction.
	InTx(ctx context.Context, fn func(Store) error) error

	// AfterCommit schedules fn to run once the enclosing transaction commits.
	// Hooks never run when the transaction rolls back. Outside a transaction
	// fn runs immediately. Used for side effects that must not observe
	// uncommitted state, such as outbound notifications.
	AfterCommit(fn func())

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
