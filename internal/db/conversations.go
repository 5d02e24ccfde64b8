package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cipherchat/internal/models"
	apperrors "cipherchat/pkg/errors"
)

// directKey canonicalizes an unordered user pair so the UNIQUE constraint
// on conversations.direct_key serializes concurrent creation attempts.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// ResolveOrCreateDirect returns the DIRECT conversation between the two
// users, creating it when none exists. Two near-simultaneous calls for the
// same pair (in either order) converge on one row: the loser of the insert
// race re-reads the winner's conversation.
func (db *DB) ResolveOrCreateDirect(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	if userA == userB {
		return nil, apperrors.Validation("direct conversation requires two distinct users")
	}
	for _, id := range []string{userA, userB} {
		exists, err := db.userExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperrors.NotFound(fmt.Sprintf("user %s not found", id))
		}
	}

	key := directKey(userA, userB)
	if conv, err := db.getConversationByDirectKey(ctx, key); err != nil {
		return nil, err
	} else if conv != nil {
		return conv, nil
	}

	conv := &models.Conversation{
		ID:        models.NewID(),
		Type:      models.ConversationDirect,
		CreatedBy: userA,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, created_by, direct_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.Type, conv.CreatedBy, key, conv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; the other caller's row is the conversation.
			tx.Rollback()
			existing, selErr := db.getConversationByDirectKey(ctx, key)
			if selErr != nil {
				return nil, selErr
			}
			if existing == nil {
				return nil, apperrors.Internal("direct conversation vanished after conflict", err)
			}
			return existing, nil
		}
		return nil, apperrors.Internal("insert conversation", err)
	}

	for _, userID := range []string{userA, userB} {
		if err := insertParticipant(ctx, tx, conv.ID, userID, models.RoleMember); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("commit conversation", err)
	}
	return conv, nil
}

// CreateGroup creates a GROUP conversation with the creator as ADMIN and
// every member as MEMBER.
func (db *DB) CreateGroup(ctx context.Context, creator, name string, memberIDs []string) (*models.Conversation, error) {
	if name == "" {
		return nil, apperrors.Validation("group conversation requires a name")
	}
	if len(memberIDs) == 0 {
		return nil, apperrors.Validation("group conversation requires at least one member")
	}

	conv := &models.Conversation{
		ID:        models.NewID(),
		Type:      models.ConversationGroup,
		Name:      name,
		CreatedBy: creator,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, name, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.Type, conv.Name, conv.CreatedBy, conv.CreatedAt)
	if err != nil {
		return nil, apperrors.Internal("insert conversation", err)
	}

	if err := insertParticipant(ctx, tx, conv.ID, creator, models.RoleAdmin); err != nil {
		return nil, err
	}
	for _, userID := range memberIDs {
		if userID == creator {
			continue
		}
		if err := insertParticipant(ctx, tx, conv.ID, userID, models.RoleMember); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("commit conversation", err)
	}
	return conv, nil
}

func insertParticipant(ctx context.Context, q queryer, conversationID, userID string, role models.ParticipantRole) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, userID, role, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			// Duplicate membership is a no-op.
			return nil
		}
		if isForeignKeyViolation(err) {
			return apperrors.NotFound(fmt.Sprintf("user %s not found", userID))
		}
		return apperrors.Internal(fmt.Sprintf("add participant %s", userID), err)
	}
	return nil
}

// ListConversationsForUser returns the user's conversations ordered by
// recency of activity.
func (db *DB) ListConversationsForUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.type, c.name, c.created_by, c.last_message_id, c.last_message_at, c.created_at
		FROM conversations c
		JOIN participants p ON c.id = p.conversation_id
		WHERE p.user_id = ?
		ORDER BY c.last_message_at DESC, c.created_at DESC
	`, userID)
	if err != nil {
		return nil, apperrors.Internal("query conversations", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate conversations", err)
	}
	return conversations, nil
}

// IsParticipant is the authorization gate for every message and status
// operation.
func (db *DB) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return isParticipant(ctx, db.DB, conversationID, userID)
}

func isParticipant(ctx context.Context, q queryer, conversationID, userID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&n)
	if err != nil {
		return false, apperrors.Internal("check participant", err)
	}
	return n > 0, nil
}

func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, type, name, created_by, last_message_id, last_message_at, created_at
		FROM conversations WHERE id = ?
	`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, apperrors.NotFound("conversation not found")
		}
		return nil, err
	}
	return conv, nil
}

func (db *DB) getConversationByDirectKey(ctx context.Context, key string) (*models.Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, type, name, created_by, last_message_id, last_message_at, created_at
		FROM conversations WHERE direct_key = ?
	`, key)
	conv, err := scanConversation(row)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// ListParticipants returns the membership records of a conversation.
func (db *DB) ListParticipants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at, is_muted, is_archived
		FROM participants WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, apperrors.Internal("query participants", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.IsMuted, &p.IsArchived); err != nil {
			return nil, apperrors.Internal("scan participant", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate participants", err)
	}
	return participants, nil
}

func participantIDs(ctx context.Context, q queryer, conversationID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM participants WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, apperrors.Internal("query participant ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Internal("scan participant id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate participant ids", err)
	}
	return ids, nil
}

// UpdateParticipantSettings flips the per-member mute/archive flags. Nil
// fields are left untouched.
func (db *DB) UpdateParticipantSettings(ctx context.Context, conversationID, userID string, isMuted, isArchived *bool) error {
	if isMuted == nil && isArchived == nil {
		return apperrors.Validation("no settings to update")
	}

	query := "UPDATE participants SET "
	var args []interface{}
	if isMuted != nil {
		query += "is_muted = ?"
		args = append(args, *isMuted)
	}
	if isArchived != nil {
		if isMuted != nil {
			query += ", "
		}
		query += "is_archived = ?"
		args = append(args, *isArchived)
	}
	query += " WHERE conversation_id = ? AND user_id = ?"
	args = append(args, conversationID, userID)

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Internal("update participant settings", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("participant not found")
	}
	return nil
}

// touchLastMessage advances the conversation's last-message pointer. The
// guard keeps the pointer last-writer-wins by creation time under
// concurrent sends.
func touchLastMessage(ctx context.Context, q queryer, conversationID, messageID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = ?, last_message_at = ?
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at <= ?)
	`, messageID, at, conversationID, at)
	if err != nil {
		return apperrors.Internal("update last message pointer", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var name, createdBy, lastMessageID sql.NullString
	var lastMessageAt sql.NullTime
	err := row.Scan(&conv.ID, &conv.Type, &name, &createdBy, &lastMessageID, &lastMessageAt, &conv.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("conversation not found")
		}
		return nil, apperrors.Internal("scan conversation", err)
	}
	conv.Name = name.String
	conv.CreatedBy = createdBy.String
	conv.LastMessageID = lastMessageID.String
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		conv.LastMessageAt = &t
	}
	return &conv, nil
}
