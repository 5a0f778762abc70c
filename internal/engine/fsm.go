package engine

import (
	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// ValidInstanceTransitions defines the allowed lifecycle transitions for
// workflow instances. Terminal states allow nothing.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending:   {schema.InstanceStatusApproved, schema.InstanceStatusRejected, schema.InstanceStatusCancelled},
	schema.InstanceStatusApproved:  {},
	schema.InstanceStatusRejected:  {},
	schema.InstanceStatusCancelled: {},
}

// ValidTaskTransitions defines the allowed lifecycle transitions for
// approval tasks.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:  {schema.TaskStatusApproved, schema.TaskStatusRejected, schema.TaskStatusSkipped},
	schema.TaskStatusApproved: {},
	schema.TaskStatusRejected: {},
	schema.TaskStatusSkipped:  {},
}

// CheckInstanceTransition validates an instance status transition.
func CheckInstanceTransition(instanceID string, from, to schema.InstanceStatus) error {
	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}
	return nil
}

// CheckTaskTransition validates a task status transition.
func CheckTaskTransition(taskID string, from, to schema.TaskStatus) error {
	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithTask(taskID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}

// InstanceTerminal reports whether the status admits no further transitions.
func InstanceTerminal(s schema.InstanceStatus) bool {
	return len(ValidInstanceTransitions[s]) == 0 && s != ""
}

// TaskTerminal reports whether the status admits no further transitions.
func TaskTerminal(s schema.TaskStatus) bool {
	return len(ValidTaskTransitions[s]) == 0 && s != ""
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
