package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"cipherchat/internal/models"
	apperrors "cipherchat/pkg/errors"
)

type AppendMessageParams struct {
	ConversationID   string
	FromUserID       string
	RecipientUserID  string
	Type             models.MessageType
	EncryptedContent string
	Nonce            string
	AuthTag          string
	Signature        string
	Metadata         json.RawMessage
	ReplyToID        string
}

// AppendMessage persists an immutable ciphertext envelope, advances the
// conversation's last-message pointer and bulk-creates one delivery status
// per participant, all in a single transaction. Concurrent readers never
// observe a message without its status rows.
//
// The returned participant set is the membership captured inside the
// transaction; later membership changes do not gain status rows for this
// message.
func (db *DB) AppendMessage(ctx context.Context, p AppendMessageParams) (*models.Message, []string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, apperrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	var convExists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, p.ConversationID).Scan(&convExists); err != nil {
		return nil, nil, apperrors.Internal("check conversation", err)
	}
	if convExists == 0 {
		return nil, nil, apperrors.NotFound("conversation not found")
	}

	member, err := isParticipant(ctx, tx, p.ConversationID, p.FromUserID)
	if err != nil {
		return nil, nil, err
	}
	if !member {
		return nil, nil, apperrors.Forbidden("sender is not a participant of this conversation")
	}

	var recipientExists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, p.RecipientUserID).Scan(&recipientExists); err != nil {
		return nil, nil, apperrors.Internal("check recipient", err)
	}
	if recipientExists == 0 {
		return nil, nil, apperrors.NotFound("recipient user not found")
	}

	if p.ReplyToID != "" {
		var replyExists int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM messages WHERE id = ? AND conversation_id = ?
		`, p.ReplyToID, p.ConversationID).Scan(&replyExists)
		if err != nil {
			return nil, nil, apperrors.Internal("check reply target", err)
		}
		if replyExists == 0 {
			return nil, nil, apperrors.NotFound("replied-to message not found in this conversation")
		}
	}

	msg := &models.Message{
		ID:               models.NewID(),
		ConversationID:   p.ConversationID,
		FromUserID:       p.FromUserID,
		RecipientUserID:  p.RecipientUserID,
		Type:             p.Type,
		EncryptedContent: p.EncryptedContent,
		Nonce:            p.Nonce,
		AuthTag:          p.AuthTag,
		Signature:        p.Signature,
		Metadata:         p.Metadata,
		ReplyToID:        p.ReplyToID,
		CreatedAt:        time.Now().UTC(),
	}

	var metadata interface{}
	if len(msg.Metadata) > 0 {
		metadata = string(msg.Metadata)
	}
	var replyTo interface{}
	if msg.ReplyToID != "" {
		replyTo = msg.ReplyToID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, from_user_id, recipient_user_id, type,
			encrypted_content, nonce, auth_tag, signature, metadata, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.FromUserID, msg.RecipientUserID, msg.Type,
		msg.EncryptedContent, msg.Nonce, msg.AuthTag, msg.Signature, metadata, replyTo, msg.CreatedAt)
	if err != nil {
		return nil, nil, apperrors.Internal("insert message", err)
	}

	if err := touchLastMessage(ctx, tx, msg.ConversationID, msg.ID, msg.CreatedAt); err != nil {
		return nil, nil, err
	}

	participants, err := participantIDs(ctx, tx, msg.ConversationID)
	if err != nil {
		return nil, nil, err
	}

	if _, err := initializeStatuses(ctx, tx, msg, participants); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apperrors.Internal("commit message", err)
	}
	return msg, participants, nil
}

const messageColumns = `id, conversation_id, from_user_id, recipient_user_id, type,
	encrypted_content, nonce, auth_tag, signature, metadata, reply_to_id, is_deleted, created_at`

// ListMessages pages through a conversation's messages, newest first. Ties
// on created_at are broken by id so pagination stays a total order. Returns
// the page and the conversation's total message count.
func (db *DB) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]models.Message, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var total int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&total)
	if err != nil {
		return nil, 0, apperrors.Internal("count messages", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, apperrors.Internal("query messages", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperrors.Internal("iterate messages", err)
	}
	return messages, total, nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?
	`, id)
	return scanMessage(row)
}

// SoftDeleteMessage flips the is_deleted flag. Only the original sender may
// delete, and the ciphertext is retained (audit/undo; nothing is scrubbed).
func (db *DB) SoftDeleteMessage(ctx context.Context, messageID, requestingUser string) error {
	var fromUserID string
	err := db.QueryRowContext(ctx, `SELECT from_user_id FROM messages WHERE id = ?`, messageID).Scan(&fromUserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return apperrors.NotFound("message not found")
		}
		return apperrors.Internal("lookup message", err)
	}
	if fromUserID != requestingUser {
		return apperrors.Forbidden("only the sender may delete a message")
	}

	_, err = db.ExecContext(ctx, `UPDATE messages SET is_deleted = 1 WHERE id = ?`, messageID)
	if err != nil {
		return apperrors.Internal("soft delete message", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var metadata, replyTo sql.NullString
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.FromUserID, &msg.RecipientUserID, &msg.Type,
		&msg.EncryptedContent, &msg.Nonce, &msg.AuthTag, &msg.Signature, &metadata, &replyTo,
		&msg.IsDeleted, &msg.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("message not found")
		}
		return nil, apperrors.Internal("scan message", err)
	}
	if metadata.Valid {
		msg.Metadata = json.RawMessage(metadata.String)
	}
	msg.ReplyToID = replyTo.String
	return &msg, nil
}
