package schema

// WorkflowDefinition is the JSON-serializable approval workflow format.
// Admin tooling provides this when registering a workflow version; once a
// version is active it is never mutated in place — edits create a new version.
type WorkflowDefinition struct {
	Name     string           `json:"name,omitempty"`
	Steps    []StepDefinition `json:"steps"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single approval step in a workflow.
// StepNumber defines the order; numbers must be unique within a workflow.
type StepDefinition struct {
	ID         string      `json:"id"`
	StepNumber int         `json:"step_number"`
	Name       string      `json:"name,omitempty"`
	Type       StepType    `json:"type,omitempty"` // approval (default)
	Config     StepConfig  `json:"config"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeApproval StepType = "approval"
)

// StepConfig holds the approver resolution spec and completion policy.
type StepConfig struct {
	Approvers         ApproverSpec       `json:"approvers"`
	ApprovalType      ApprovalType       `json:"approval_type,omitempty"` // any_one | majority | all (default: all)
	AutoApprovalRules []AutoApprovalRule `json:"auto_approval_rules,omitempty"`
	SLAHours          int                `json:"sla_hours,omitempty"`
	AllowSelfApproval bool               `json:"allow_self_approval,omitempty"`
}

// ApprovalType is the step completion policy.
type ApprovalType string

const (
	ApprovalTypeAnyOne   ApprovalType = "any_one"
	ApprovalTypeMajority ApprovalType = "majority"
	ApprovalTypeAll      ApprovalType = "all"
)

// ApproverSpec describes how approvers are resolved when a step is entered.
type ApproverSpec struct {
	Type    ApproverType `json:"type"`               // role | user | dynamic
	RoleIDs []string     `json:"role_ids,omitempty"` // one task per role, unassigned to a user
	UserIDs []string     `json:"user_ids,omitempty"` // one task per user
	Path    string       `json:"path,omitempty"`     // dot-path on the entity resolving to a single user id
}

// ApproverType enumerates approver resolution strategies.
type ApproverType string

const (
	ApproverTypeRole    ApproverType = "role"
	ApproverTypeUser    ApproverType = "user"
	ApproverTypeDynamic ApproverType = "dynamic"
)

// Condition is a single predicate on the subject entity. Within a group
// conditions are AND-combined; groups are OR-combined — a step applies if any
// group is fully satisfied, or if the step has no conditions at all.
//
// When Expression is set the structured triple is ignored and the named
// expression engine evaluates the expression against the entity scope.
type Condition struct {
	FieldPath       string   `json:"field_path,omitempty"`
	Operator        Operator `json:"operator,omitempty"`
	Value           any      `json:"value,omitempty"`
	GroupNumber     int      `json:"group_number,omitempty"`
	LogicalOperator string   `json:"logical_operator,omitempty"` // informational: and within a group
	Expression      string   `json:"expression,omitempty"`
	Engine          string   `json:"engine,omitempty"` // cel | expr | jq (default: cel)
}

// AutoApprovalRule is one predicate of a step's auto-approval rule set.
// Rules are AND-combined; if all hold, the step is skipped with no tasks.
type AutoApprovalRule struct {
	Field      string   `json:"field,omitempty"`
	Operator   Operator `json:"operator,omitempty"`
	Value      any      `json:"value,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Engine     string   `json:"engine,omitempty"`
}

// Operator is a condition comparison operator. Unknown operators fail closed:
// they evaluate to false rather than raising.
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "!="
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpBetween        Operator = "between"
	OpContains       Operator = "contains"

	// Auto-approval rules additionally accept these.
	OpEqualAlias     Operator = "=="
	OpStrictEqual    Operator = "==="
	OpStrictNotEqual Operator = "!=="
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusApproved  InstanceStatus = "approved"
	InstanceStatusRejected  InstanceStatus = "rejected"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// TaskStatus represents the lifecycle state of an approval task.
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusApproved TaskStatus = "approved"
	TaskStatusRejected TaskStatus = "rejected"
	TaskStatusSkipped  TaskStatus = "skipped"
)

// Audit action names. One row per state-changing action, never mutated.
const (
	ActionInitiated         = "initiated"
	ActionStepAutoApproved  = "step_auto_approved"
	ActionStepSkipped       = "step_skipped"
	ActionTaskApproved      = "task_approved"
	ActionTaskRejected      = "task_rejected"
	ActionTaskSkipped       = "task_skipped"
	ActionTaskDelegated     = "task_delegated"
	ActionDelegationRevoked = "delegation_revoked"
	ActionApproved          = "approved"
	ActionRejected          = "rejected"
	ActionCancelled         = "cancelled"
)

// Policy returns the step's completion policy, defaulting to all.
func (c StepConfig) Policy() ApprovalType {
	switch c.ApprovalType {
	case ApprovalTypeAnyOne, ApprovalTypeMajority, ApprovalTypeAll:
		return c.ApprovalType
	default:
		return ApprovalTypeAll
	}
}

// StepByID returns the step with the given ID, or nil.
func (d *WorkflowDefinition) StepByID(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}
