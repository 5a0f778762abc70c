package instances

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ledgerkit/approvalflow/internal/store"
	"github.com/ledgerkit/approvalflow/internal/validation"
	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// Service is the read side of the workflow engine plus definition
// registration: lookups that document services use before and after starting
// a workflow. All query methods are side-effect free.
type Service struct {
	store     store.Store
	validator validation.Validator
	logger    *slog.Logger
}

// New creates the instance service.
func New(st store.Store, v validation.Validator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, validator: v, logger: logger}
}

// RegisterWorkflow validates and persists a new workflow version for the
// module and entity type. When activate is set, the new version becomes the
// one FindWorkflowForEntity resolves (highest active version wins).
func (s *Service) RegisterWorkflow(ctx context.Context, module, entityType string, def schema.WorkflowDefinition, activate bool) (*store.Workflow, error) {
	if s.validator != nil {
		if err := s.validator.ValidateDefinition(&def); err != nil {
			return nil, err
		}
	}

	version := 1
	current, err := s.store.FindActiveWorkflow(ctx, module, entityType)
	if err != nil {
		return nil, err
	}
	if current != nil {
		version = current.Version + 1
	}

	wf := &store.Workflow{
		ID:         uuid.New().String(),
		Module:     module,
		EntityType: entityType,
		Version:    version,
		Active:     activate,
		Definition: def,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "workflow registered",
		slog.String("workflow_id", wf.ID),
		slog.String("module", module),
		slog.String("entity_type", entityType),
		slog.Int("version", version),
		slog.Bool("active", activate),
	)
	return wf, nil
}

// FindWorkflowForEntity returns the active workflow for the module and
// entity type, or nil when none is configured.
func (s *Service) FindWorkflowForEntity(ctx context.Context, module, entityType string) (*store.Workflow, error) {
	return s.store.FindActiveWorkflow(ctx, module, entityType)
}

// ActiveInstance returns the entity's pending instance, or nil.
func (s *Service) ActiveInstance(ctx context.Context, ref schema.EntityRef) (*store.WorkflowInstance, error) {
	return s.store.FindActiveInstance(ctx, ref.Kind, ref.ID)
}

// HasActiveWorkflow reports whether the entity has a pending instance.
func (s *Service) HasActiveWorkflow(ctx context.Context, ref schema.EntityRef) (bool, error) {
	inst, err := s.store.FindActiveInstance(ctx, ref.Kind, ref.ID)
	if err != nil {
		return false, err
	}
	return inst != nil, nil
}

// History returns all of the entity's instances, newest first.
func (s *Service) History(ctx context.Context, ref schema.EntityRef) ([]*store.WorkflowInstance, error) {
	return s.store.ListInstances(ctx, store.InstanceFilter{
		EntityType: ref.Kind,
		EntityID:   ref.ID,
	})
}

// AuditTrail returns the full ordered audit log of an instance.
func (s *Service) AuditTrail(ctx context.Context, instanceID string) ([]*store.AuditEntry, error) {
	return s.store.ListAudit(ctx, instanceID, 0)
}
