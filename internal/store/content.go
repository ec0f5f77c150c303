package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTipConflict is returned when a concurrent writer already superseded the
// tip this write was based on, or when a unique tip/branch constraint fires.
// The caller retries or surfaces a typed conflict; the store never silently
// corrupts the latest-row invariant.
var ErrTipConflict = errors.New("store: tip superseded by concurrent write")

const contentObjectColumns = `
	id, static_id, branch_id, branch_type, is_latest,
	previous_version_id, branched_from_id, created_by_user_id, collection_id,
	kind, payload, major_change_description,
	is_archived, archive_reason, archived_at, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContentObject(row rowScanner) (ContentObject, error) {
	var obj ContentObject
	err := row.Scan(
		&obj.ID,
		&obj.StaticID,
		&obj.BranchID,
		&obj.BranchType,
		&obj.IsLatest,
		&obj.PreviousVersionID,
		&obj.BranchedFromID,
		&obj.CreatedByUserID,
		&obj.CollectionID,
		&obj.Kind,
		&obj.Payload,
		&obj.MajorChangeDescription,
		&obj.IsArchived,
		&obj.ArchiveReason,
		&obj.ArchivedAt,
		&obj.CreatedAt,
	)
	return obj, err
}

func (s *PostgresStore) GetObject(ctx context.Context, id string) (ContentObject, error) {
	obj, err := scanContentObject(s.db.QueryRowContext(ctx, `
		SELECT `+contentObjectColumns+`
		FROM content_objects
		WHERE id=$1
	`, id))
	if err != nil {
		return ContentObject{}, err
	}
	return obj, nil
}

// GetLatestPublished returns the published tip for a staticId, or nil when
// the object has never been published.
func (s *PostgresStore) GetLatestPublished(ctx context.Context, staticID string) (*ContentObject, error) {
	obj, err := scanContentObject(s.db.QueryRowContext(ctx, `
		SELECT `+contentObjectColumns+`
		FROM content_objects
		WHERE static_id=$1 AND branch_type='published' AND is_latest
	`, staticID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest published: %w", err)
	}
	return &obj, nil
}

// GetLatestOnBranch returns the tip of a draft/suggestion branch, or nil.
func (s *PostgresStore) GetLatestOnBranch(ctx context.Context, branchID string) (*ContentObject, error) {
	obj, err := scanContentObject(s.db.QueryRowContext(ctx, `
		SELECT `+contentObjectColumns+`
		FROM content_objects
		WHERE branch_id=$1 AND is_latest
	`, branchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest on branch: %w", err)
	}
	return &obj, nil
}

// GetActiveBranch returns the user's live (non-archived) branch tip for a
// staticId, or nil when none exists. A user holds at most one live branch
// per staticId regardless of branch type; the partial unique index
// content_objects_live_user_branch enforces this.
func (s *PostgresStore) GetActiveBranch(ctx context.Context, staticID, userID string) (*ContentObject, error) {
	obj, err := scanContentObject(s.db.QueryRowContext(ctx, `
		SELECT `+contentObjectColumns+`
		FROM content_objects
		WHERE static_id=$1 AND created_by_user_id=$2 AND branch_type <> $3
		  AND is_latest AND NOT is_archived
	`, staticID, userID, BranchPublished))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active branch: %w", err)
	}
	return &obj, nil
}

// InsertRevision writes a new revision row and, when supersedesID is not
// empty, retires that row's is_latest flag in the same transaction. Readers
// never observe zero or two tips for a lineage: the flip and the insert
// commit together or not at all.
func (s *PostgresStore) InsertRevision(ctx context.Context, obj ContentObject, supersedesID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revision tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if supersedesID != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE content_objects SET is_latest=FALSE
			WHERE id=$1 AND is_latest
		`, supersedesID)
		if err != nil {
			return fmt.Errorf("retire tip %s: %w", supersedesID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("retire tip rows: %w", err)
		}
		if affected == 0 {
			return ErrTipConflict
		}
	}

	if err := insertContentObject(ctx, tx, obj); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision tx: %w", err)
	}
	return nil
}

func insertContentObject(ctx context.Context, tx *sql.Tx, obj ContentObject) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO content_objects (
			id, static_id, branch_id, branch_type, is_latest,
			previous_version_id, branched_from_id, created_by_user_id, collection_id,
			kind, payload, major_change_description
		)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9, $10, $11)
	`,
		obj.ID, obj.StaticID, obj.BranchID, obj.BranchType,
		obj.PreviousVersionID, obj.BranchedFromID, obj.CreatedByUserID, obj.CollectionID,
		obj.Kind, obj.Payload, obj.MajorChangeDescription,
	)
	if isUniqueViolation(err) {
		return ErrTipConflict
	}
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

// ArchiveObject marks a row archived in place. Returns false when the row
// was already archived, so callers can distinguish double-applies.
func (s *PostgresStore) ArchiveObject(ctx context.Context, id, reason string) (ContentObject, bool, error) {
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	obj, err := scanContentObject(s.db.QueryRowContext(ctx, `
		UPDATE content_objects
		SET is_archived=TRUE, archive_reason=$2, archived_at=NOW()
		WHERE id=$1 AND NOT is_archived
		RETURNING `+contentObjectColumns+`
	`, id, reasonArg))
	if errors.Is(err, sql.ErrNoRows) {
		return ContentObject{}, false, nil
	}
	if err != nil {
		return ContentObject{}, false, fmt.Errorf("archive object: %w", err)
	}
	return obj, true, nil
}

// ApplyMerge publishes a branch tip: in one transaction the branch row is
// archived with reason approved, the current published tip (when present) is
// retired, and the new published row is inserted.
func (s *PostgresStore) ApplyMerge(ctx context.Context, published ContentObject, supersedesID, branchRowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE content_objects
		SET is_archived=TRUE, archive_reason='approved', archived_at=NOW()
		WHERE id=$1 AND NOT is_archived
	`, branchRowID)
	if err != nil {
		return fmt.Errorf("archive merged branch: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("archive merged branch rows: %w", err)
	} else if affected == 0 {
		return ErrTipConflict
	}

	if supersedesID != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE content_objects SET is_latest=FALSE
			WHERE id=$1 AND is_latest
		`, supersedesID)
		if err != nil {
			return fmt.Errorf("retire published tip: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("retire published tip rows: %w", err)
		} else if affected == 0 {
			return ErrTipConflict
		}
	}

	if err := insertContentObject(ctx, tx, published); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge tx: %w", err)
	}
	return nil
}

// ListPublishedHistory returns the published lineage for a staticId, newest
// first. Archived rows are included: history is append-only and permanent.
func (s *PostgresStore) ListPublishedHistory(ctx context.Context, staticID string) ([]ContentObject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentObjectColumns+`
		FROM content_objects
		WHERE static_id=$1 AND branch_type='published'
		ORDER BY created_at DESC
	`, staticID)
	if err != nil {
		return nil, fmt.Errorf("list published history: %w", err)
	}
	defer rows.Close()

	items := make([]ContentObject, 0)
	for rows.Next() {
		obj, err := scanContentObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		items = append(items, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// ListPublishedTipsSince lists published tips written after the cursor
// position, used by the reconciliation scan to close the write-then-crash
// enqueue gap. The id breaks ties between rows sharing a timestamp so the
// scan never skips a tip written in the same instant as the cursor.
func (s *PostgresStore) ListPublishedTipsSince(ctx context.Context, since time.Time, afterID string) ([]ContentObject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentObjectColumns+`
		FROM content_objects
		WHERE branch_type='published' AND is_latest AND (created_at, id) > ($1, $2)
		ORDER BY created_at ASC, id ASC
	`, since.UTC(), afterID)
	if err != nil {
		return nil, fmt.Errorf("list tips since: %w", err)
	}
	defer rows.Close()

	items := make([]ContentObject, 0)
	for rows.Next() {
		obj, err := scanContentObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tip row: %w", err)
		}
		items = append(items, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tips: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetJobsCursor(ctx context.Context, name string) (string, error) {
	var scannedTo string
	err := s.db.QueryRowContext(ctx, `
		SELECT scanned_to::text FROM jobs_cursor WHERE name=$1
	`, name).Scan(&scannedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get jobs cursor: %w", err)
	}
	return scannedTo, nil
}

func (s *PostgresStore) SetJobsCursor(ctx context.Context, name, scannedTo string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs_cursor (name, scanned_to)
		VALUES ($1, $2::timestamptz)
		ON CONFLICT (name) DO UPDATE SET scanned_to=EXCLUDED.scanned_to
	`, name, scannedTo)
	if err != nil {
		return fmt.Errorf("set jobs cursor: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
