package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetCollection(ctx context.Context, collectionID string) (Collection, error) {
	var item Collection
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, created_by_user_id, created_at
		FROM collections
		WHERE id=$1
	`, collectionID).Scan(&item.ID, &item.OrganizationID, &item.Name, &item.CreatedByUserID, &item.CreatedAt)
	if err != nil {
		return Collection{}, err
	}
	return item, nil
}

// GetMemberRole resolves a user's role in the organization owning a
// collection. Personal collections (no organization) grant the admin role to
// their creator and nothing to anyone else.
func (s *PostgresStore) GetMemberRole(ctx context.Context, userID, collectionID string) (string, error) {
	collection, err := s.GetCollection(ctx, collectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve collection: %w", err)
	}

	if collection.OrganizationID == nil {
		if collection.CreatedByUserID == userID {
			return "admin", nil
		}
		return "", nil
	}

	var role string
	err = s.db.QueryRowContext(ctx, `
		SELECT role FROM org_members
		WHERE organization_id=$1 AND user_id=$2
	`, *collection.OrganizationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read member role: %w", err)
	}
	return role, nil
}

// ListReviewerCandidates returns organization members who opted in to
// suggestion emails, excluding the suggester. Permission filtering happens
// in the fan-out layer.
func (s *PostgresStore) ListReviewerCandidates(ctx context.Context, organizationID, excludeUserID string) ([]ReviewerCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, u.email, om.role
		FROM org_members om
		JOIN users u ON u.id = om.user_id
		WHERE om.organization_id=$1
		  AND om.suggestion_emails
		  AND om.user_id <> $2
		ORDER BY u.id ASC
	`, organizationID, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("list reviewer candidates: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewerCandidate, 0)
	for rows.Next() {
		var item ReviewerCandidate
		if err := rows.Scan(&item.UserID, &item.DisplayName, &item.Email, &item.Role); err != nil {
			return nil, fmt.Errorf("scan reviewer candidate: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviewer candidates: %w", err)
	}
	return items, nil
}
