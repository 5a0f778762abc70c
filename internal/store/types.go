package store

import (
	"encoding/json"
	"time"

	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// Workflow is the persisted representation of a workflow definition version.
// Versions are immutable once active; edits create a new version.
type Workflow struct {
	ID         string                    `json:"id"`
	Module     string                    `json:"module"`
	EntityType string                    `json:"entity_type"`
	Version    int                       `json:"version"`
	Active     bool                      `json:"active"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// WorkflowInstance is one execution of a workflow against one subject entity.
// At most one pending instance exists per entity at a time.
type WorkflowInstance struct {
	ID            string                `json:"id"`
	WorkflowID    string                `json:"workflow_id"`
	EntityType    string                `json:"entity_type"`
	EntityID      string                `json:"entity_id"`
	Status        schema.InstanceStatus `json:"status"`
	CurrentStepID string                `json:"current_step_id,omitempty"`
	InitiatedBy   string                `json:"initiated_by"`
	InitiatedAt   time.Time             `json:"initiated_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// EntityRef returns the instance's polymorphic entity reference.
func (i *WorkflowInstance) EntityRef() schema.EntityRef {
	return schema.EntityRef{Kind: i.EntityType, ID: i.EntityID}
}

// ApprovalTask is one unit of approval work assigned to a user or a role
// within a step occurrence.
type ApprovalTask struct {
	ID               string            `json:"id"`
	InstanceID       string            `json:"workflow_instance_id"`
	StepID           string            `json:"workflow_step_id"`
	AssignedToUserID string            `json:"assigned_to_user_id,omitempty"`
	AssignedToRoleID string            `json:"assigned_to_role_id,omitempty"`
	Status           schema.TaskStatus `json:"status"`
	DueAt            *time.Time        `json:"due_at,omitempty"`
	ApprovedBy       string            `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time        `json:"approved_at,omitempty"`
	RejectionReason  string            `json:"rejection_reason,omitempty"`
	Comments         string            `json:"comments,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Delegation records a reassignment of a pending task to another approver.
// Revocation soft-expires the row; delegations are never hard-deleted.
type Delegation struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	FromUserID  string     `json:"from_user_id"`
	ToUserID    string     `json:"to_user_id"`
	DelegatedBy string     `json:"delegated_by"`
	Reason      string     `json:"reason,omitempty"`
	DelegatedAt time.Time  `json:"delegated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the delegation is still in force at the given time.
func (d *Delegation) Active(now time.Time) bool {
	return d.ExpiresAt == nil || d.ExpiresAt.After(now)
}

// AuditEntry is an immutable row in the workflow audit log, one per
// state-changing action, with a per-instance monotone sequence.
type AuditEntry struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"workflow_instance_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Action     string          `json:"action"`
	FromStatus string          `json:"from_status,omitempty"`
	ToStatus   string          `json:"to_status,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Sequence   int64           `json:"sequence"`
	CreatedAt  time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// InstanceUpdate specifies mutable fields of a workflow instance.
type InstanceUpdate struct {
	Status        *schema.InstanceStatus `json:"status,omitempty"`
	CurrentStepID *string                `json:"current_step_id,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// TaskUpdate specifies mutable fields of an approval task.
type TaskUpdate struct {
	Status           *schema.TaskStatus `json:"status,omitempty"`
	AssignedToUserID *string            `json:"assigned_to_user_id,omitempty"`
	ApprovedBy       *string            `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time         `json:"approved_at,omitempty"`
	RejectionReason  *string            `json:"rejection_reason,omitempty"`
	Comments         *string            `json:"comments,omitempty"`
}

// InstanceFilter specifies criteria for listing workflow instances.
type InstanceFilter struct {
	EntityType string                 `json:"entity_type,omitempty"`
	EntityID   string                 `json:"entity_id,omitempty"`
	Status     *schema.InstanceStatus `json:"status,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// TaskFilter specifies criteria for listing approval tasks.
type TaskFilter struct {
	InstanceID       string             `json:"instance_id,omitempty"`
	StepID           string             `json:"step_id,omitempty"`
	Status           *schema.TaskStatus `json:"status,omitempty"`
	AssignedToUserID string             `json:"assigned_to_user_id,omitempty"`
	AssignedToRoleID string             `json:"assigned_to_role_id,omitempty"`
	Limit            int                `json:"limit,omitempty"`
}
