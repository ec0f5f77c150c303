package store

import (
	"context"
	"fmt"
)

// ReplaceContainment rewrites the containment set for a workflow in one
// transaction: delete everything, then bulk-insert the fresh extraction.
// Delete-then-insert makes the operation idempotent and safe to re-run in
// any order relative to other jobs for the same object.
func (s *PostgresStore) ReplaceContainment(ctx context.Context, workflowStaticID string, items []ContainedObject) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin containment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM workflow_contains_objects WHERE workflow_static_id=$1
	`, workflowStaticID); err != nil {
		return fmt.Errorf("clear containment: %w", err)
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_contains_objects (workflow_static_id, contained_static_id, contained_kind)
			VALUES ($1, $2, $3)
			ON CONFLICT (workflow_static_id, contained_static_id, contained_kind) DO NOTHING
		`, workflowStaticID, item.ContainedStaticID, item.ContainedKind); err != nil {
			return fmt.Errorf("insert containment row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit containment tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListContainment(ctx context.Context, workflowStaticID string) ([]ContainedObject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_static_id, contained_static_id, contained_kind
		FROM workflow_contains_objects
		WHERE workflow_static_id=$1
		ORDER BY created_at ASC, contained_static_id ASC
	`, workflowStaticID)
	if err != nil {
		return nil, fmt.Errorf("list containment: %w", err)
	}
	defer rows.Close()

	items := make([]ContainedObject, 0)
	for rows.Next() {
		var item ContainedObject
		if err := rows.Scan(&item.WorkflowStaticID, &item.ContainedStaticID, &item.ContainedKind); err != nil {
			return nil, fmt.Errorf("scan containment row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containment: %w", err)
	}
	return items, nil
}

// ListContainingWorkflows answers the reverse "used in" query: which
// workflows currently embed the given object.
func (s *PostgresStore) ListContainingWorkflows(ctx context.Context, staticID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workflow_static_id
		FROM workflow_contains_objects
		WHERE contained_static_id=$1
		ORDER BY workflow_static_id ASC
	`, staticID)
	if err != nil {
		return nil, fmt.Errorf("list containing workflows: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var workflowID string
		if err := rows.Scan(&workflowID); err != nil {
			return nil, fmt.Errorf("scan containing workflow: %w", err)
		}
		items = append(items, workflowID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containing workflows: %w", err)
	}
	return items, nil
}
