package db

import (
	"context"
	"database/sql"
	"time"

	"cipherchat/internal/models"
	apperrors "cipherchat/pkg/errors"
)

// ReadTransition records one status row that actually moved to READ, with
// the sender who must be notified.
type ReadTransition struct {
	MessageID string
	SenderID  string
	ReadAt    time.Time
}

// InitializeStatuses creates one delivery status per distinct participant
// of the message's conversation: the sender's row is pre-marked READ (with
// delivered_at and read_at at creation time), everyone else starts at SENT.
// Idempotent at the set level: rows that already exist are skipped, so a
// retried call cannot duplicate or regress anything. Returns the number of
// rows actually created.
func (db *DB) InitializeStatuses(ctx context.Context, msg *models.Message, participantUserIDs []string) (int, error) {
	return initializeStatuses(ctx, db.DB, msg, participantUserIDs)
}

func initializeStatuses(ctx context.Context, q queryer, msg *models.Message, participantUserIDs []string) (int, error) {
	seen := make(map[string]bool, len(participantUserIDs))
	created := 0
	for _, userID := range participantUserIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true

		status := models.StatusSent
		var deliveredAt, readAt interface{}
		if userID == msg.FromUserID {
			status = models.StatusRead
			deliveredAt = msg.CreatedAt
			readAt = msg.CreatedAt
		}

		// INSERT OR IGNORE rides the (message_id, user_id) primary key:
		// an existing row makes the insert a no-op.
		result, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_statuses (message_id, user_id, status, created_at, delivered_at, read_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.ID, userID, status, msg.CreatedAt, deliveredAt, readAt)
		if err != nil {
			return created, apperrors.Internal("insert message status", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

// MarkDelivered transitions SENT rows to DELIVERED for the given user.
// Rows already DELIVERED or READ are left alone: status never regresses.
// Returns the number of rows transitioned.
func (db *DB) MarkDelivered(ctx context.Context, messageIDs []string, userID string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	args := make([]interface{}, 0, len(messageIDs)+2)
	args = append(args, models.StatusDelivered, time.Now().UTC())
	for _, id := range messageIDs {
		args = append(args, id)
	}
	args = append(args, userID, models.StatusSent)

	result, err := db.ExecContext(ctx, `
		UPDATE message_statuses
		SET status = ?, delivered_at = ?
		WHERE message_id IN (`+placeholders(len(messageIDs))+`) AND user_id = ? AND status = ?
	`, args...)
	if err != nil {
		return 0, apperrors.Internal("mark delivered", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// MarkRead moves every non-READ status row the user holds for the given
// messages to READ, backfilling delivered_at where delivery was never
// recorded. Returns the transitions that actually happened so the caller
// can notify each message's sender. Calling it again with the same set is
// a no-op.
func (db *DB) MarkRead(ctx context.Context, messageIDs []string, userID string) ([]ReadTransition, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	selectArgs := make([]interface{}, 0, len(messageIDs)+2)
	selectArgs = append(selectArgs, userID)
	for _, id := range messageIDs {
		selectArgs = append(selectArgs, id)
	}
	selectArgs = append(selectArgs, models.StatusRead)

	rows, err := tx.QueryContext(ctx, `
		SELECT ms.message_id, m.from_user_id
		FROM message_statuses ms
		JOIN messages m ON m.id = ms.message_id
		WHERE ms.user_id = ? AND ms.message_id IN (`+placeholders(len(messageIDs))+`) AND ms.status != ?
	`, selectArgs...)
	if err != nil {
		return nil, apperrors.Internal("select unread statuses", err)
	}

	now := time.Now().UTC()
	var transitions []ReadTransition
	for rows.Next() {
		var t ReadTransition
		if err := rows.Scan(&t.MessageID, &t.SenderID); err != nil {
			rows.Close()
			return nil, apperrors.Internal("scan unread status", err)
		}
		t.ReadAt = now
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperrors.Internal("iterate unread statuses", err)
	}
	rows.Close()

	if len(transitions) == 0 {
		return nil, tx.Commit()
	}

	updateArgs := make([]interface{}, 0, len(transitions)+4)
	updateArgs = append(updateArgs, models.StatusRead, now, now)
	ids := make([]string, 0, len(transitions))
	for _, t := range transitions {
		ids = append(ids, t.MessageID)
		updateArgs = append(updateArgs, t.MessageID)
	}
	updateArgs = append(updateArgs, userID)

	_, err = tx.ExecContext(ctx, `
		UPDATE message_statuses
		SET status = ?, read_at = ?, delivered_at = COALESCE(delivered_at, ?)
		WHERE message_id IN (`+placeholders(len(ids))+`) AND user_id = ?
	`, updateArgs...)
	if err != nil {
		return nil, apperrors.Internal("mark read", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("commit mark read", err)
	}
	return transitions, nil
}

// StatusSummary aggregates delivery progress for one message over its
// recipients; the sender's own pre-read row is excluded from the counts.
func (db *DB) StatusSummary(ctx context.Context, messageID string) (*models.StatusSummary, error) {
	var fromUserID string
	err := db.QueryRowContext(ctx, `SELECT from_user_id FROM messages WHERE id = ?`, messageID).Scan(&fromUserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("message not found")
		}
		return nil, apperrors.Internal("lookup message", err)
	}

	summary := &models.StatusSummary{MessageID: messageID}
	err = db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM message_statuses
		WHERE message_id = ? AND user_id != ?
	`, models.StatusDelivered, models.StatusRead, models.StatusRead, messageID, fromUserID).
		Scan(&summary.TotalRecipients, &summary.DeliveredCount, &summary.ReadCount)
	if err != nil {
		return nil, apperrors.Internal("aggregate statuses", err)
	}
	return summary, nil
}

// GetStatus returns the delivery status row for one (message, user) pair.
func (db *DB) GetStatus(ctx context.Context, messageID, userID string) (*models.MessageStatus, error) {
	var st models.MessageStatus
	var deliveredAt, readAt sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT message_id, user_id, status, created_at, delivered_at, read_at
		FROM message_statuses WHERE message_id = ? AND user_id = ?
	`, messageID, userID).Scan(&st.MessageID, &st.UserID, &st.Status, &st.CreatedAt, &deliveredAt, &readAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("message status not found")
		}
		return nil, apperrors.Internal("query message status", err)
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		st.DeliveredAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		st.ReadAt = &t
	}
	return &st, nil
}
