package store

import (
	"bufio"
	"context"
	_ "embed"
	"strings"

	"github.com/ledgerkit/approvalflow/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var initialSchemaSQL string

// schemaMigration is one versioned DDL script. Scripts run in version order,
// each inside its own transaction, and are recorded in schema_version.
type schemaMigration struct {
	version int
	name    string
	script  string
}

func allMigrations() []schemaMigration {
	return []schemaMigration{
		{version: 1, name: "initial_schema", script: initialSchemaSQL},
	}
}

// applyMigrations brings the database schema up to date. The schema_version
// table must exist before InTx can take its write lock through it, so this
// runs against the raw database handle rather than through a Store view.
func (s *LibSQLStore) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewError(schema.ErrCodeStore, "create schema_version table").WithCause(err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range allMigrations() {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// appliedVersions reads the set of already-applied migration versions.
// Negative versions are transient lock markers, not migrations.
func (s *LibSQLStore) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_version WHERE version > 0`)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "read schema_version").WithCause(err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan schema_version").WithCause(err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *LibSQLStore) applyMigration(ctx context.Context, m schemaMigration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin migration %d", m.version).WithCause(err)
	}
	defer tx.Rollback()

	for _, stmt := range sqlStatements(m.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"apply migration %d (%s)", m.version, m.name).WithCause(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record migration %d", m.version).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit migration %d", m.version).WithCause(err)
	}
	return nil
}

// sqlStatements splits a DDL script into executable statements. Comment and
// blank lines are stripped first, so the remaining text splits cleanly on
// semicolons; the scripts keep comments on their own lines.
func sqlStatements(script string) []string {
	var sb strings.Builder
	sc := bufio.NewScanner(strings.NewReader(script))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	var stmts []string
	for _, part := range strings.Split(sb.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
