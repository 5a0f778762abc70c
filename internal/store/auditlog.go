package store

import (
	"context"
	"fmt"

	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// AuditLog provides append-only audit operations on top of a LibSQLStore.
type AuditLog struct {
	store *LibSQLStore
}

// NewAuditLog wraps a LibSQLStore to provide audit log operations.
func NewAuditLog(s *LibSQLStore) *AuditLog {
	return &AuditLog{store: s}
}

// Append writes an audit entry with a monotonically increasing per-instance
// sequence. The store serializes standalone appends through a write-locked
// transaction, so concurrent writers cannot interleave sequence reads and
// inserts.
func (al *AuditLog) Append(ctx context.Context, entry *AuditEntry) error {
	return al.store.AppendAudit(ctx, entry)
}

// History returns the audit trail for an instance with sequence > since,
// ordered by sequence ASC. Returns an error if sequence gaps are detected.
func (al *AuditLog) History(ctx context.Context, instanceID string, since int64) ([]*AuditEntry, error) {
	entries, err := al.store.ListAudit(ctx, instanceID, since)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	for i, e := range entries {
		expected := since + int64(i+1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %s audit log: expected %d, got %d",
				instanceID, expected, e.Sequence)
		}
	}
	return entries, nil
}
