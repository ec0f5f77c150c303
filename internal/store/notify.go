package store

import (
	"context"
	"encoding/json"
	"fmt"

	"quiver/api/internal/util"
)

// CreateNotification inserts a notification and its per-user fan-out rows in
// one transaction. Keyed on (object_id, type), so re-running the handler for
// the same logical event converges instead of duplicating rows.
func (s *PostgresStore) CreateNotification(ctx context.Context, n Notification, userIDs []string) (string, error) {
	if n.Payload == nil {
		n.Payload = json.RawMessage(`{}`)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin notification tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var notificationID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO notifications (id, type, static_id, object_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (object_id, type) DO UPDATE SET payload=EXCLUDED.payload
		RETURNING id
	`, n.ID, n.Type, n.StaticID, n.ObjectID, n.Payload).Scan(&notificationID)
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}

	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_notifications (id, notification_id, user_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (notification_id, user_id) DO NOTHING
		`, util.NewID("un"), notificationID, userID); err != nil {
			return "", fmt.Errorf("insert user notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit notification tx: %w", err)
	}
	return notificationID, nil
}

func (s *PostgresStore) ListUserNotifications(ctx context.Context, userID string, limit int) ([]UserNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT un.id, un.notification_id, un.user_id, un.viewed_at, un.dismissed_at, un.created_at,
		       n.type, n.static_id, n.payload
		FROM user_notifications un
		JOIN notifications n ON n.id = un.notification_id
		WHERE un.user_id=$1
		ORDER BY un.created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user notifications: %w", err)
	}
	defer rows.Close()

	items := make([]UserNotification, 0)
	for rows.Next() {
		var item UserNotification
		if err := rows.Scan(
			&item.ID,
			&item.NotificationID,
			&item.UserID,
			&item.ViewedAt,
			&item.DismissedAt,
			&item.CreatedAt,
			&item.Type,
			&item.StaticID,
			&item.Payload,
		); err != nil {
			return nil, fmt.Errorf("scan user notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user notifications: %w", err)
	}
	return items, nil
}

// UpsertSubscription records that a user interacted with an object. Running
// it twice is a no-op beyond the timestamp.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, userID, staticID string, subscribed bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_subscriptions (user_id, static_id, subscribed)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, static_id)
		DO UPDATE SET subscribed=EXCLUDED.subscribed, updated_at=NOW()
	`, userID, staticID, subscribed)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSubscribers(ctx context.Context, staticID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM user_subscriptions
		WHERE static_id=$1 AND subscribed
		ORDER BY user_id ASC
	`, staticID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		items = append(items, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return items, nil
}
