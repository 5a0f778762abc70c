package engine

import (
	"context"
	"log/slog"

	"github.com/ledgerkit/approvalflow/internal/logging"
	"github.com/ledgerkit/approvalflow/internal/store"
)

// Notifier receives callbacks when approval work is created or resolved.
// Implementations deliver emails, in-app notifications, webhooks. Failures
// must be handled internally and never fail the workflow operation that
// triggered them.
type Notifier interface {
	TasksCreated(ctx context.Context, inst *store.WorkflowInstance, tasks []*store.ApprovalTask)
	InstanceCompleted(ctx context.Context, inst *store.WorkflowInstance)
}

// LogNotifier is the default Notifier; it only writes structured logs.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs instead of delivering.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) TasksCreated(ctx context.Context, inst *store.WorkflowInstance, tasks []*store.ApprovalTask) {
	log := logging.LogWith(ctx, n.logger)
	for _, task := range tasks {
		log.InfoContext(ctx, "approval task created",
			slog.String("instance_id", inst.ID),
			slog.String("task_id", task.ID),
			slog.String("step_id", task.StepID),
			slog.String("assigned_user", task.AssignedToUserID),
			slog.String("assigned_role", task.AssignedToRoleID),
		)
	}
}

func (n *LogNotifier) InstanceCompleted(ctx context.Context, inst *store.WorkflowInstance) {
	logging.LogWith(ctx, n.logger).InfoContext(ctx, "workflow instance completed",
		slog.String("instance_id", inst.ID),
		slog.String("entity_type", inst.EntityType),
		slog.String("entity_id", inst.EntityID),
		slog.String("status", string(inst.Status)),
	)
}
