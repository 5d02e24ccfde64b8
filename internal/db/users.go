package db

import (
	"context"
	"database/sql"
	"time"

	"cipherchat/internal/models"
	apperrors "cipherchat/pkg/errors"
)

// User storage backs the identity collaborator: registration, login lookup
// and the public-key directory clients use to produce ciphertext. The
// server itself never touches the keys.

func (db *DB) CreateUser(ctx context.Context, username, hashedPassword, publicKey string) (*models.User, error) {
	user := &models.User{
		ID:        models.NewID(),
		Username:  username,
		Password:  hashedPassword,
		PublicKey: publicKey,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, public_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.Password, user.PublicKey, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("username already exists")
		}
		return nil, apperrors.Internal("insert user", err)
	}
	return user, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := db.QueryRowContext(ctx, `
		SELECT id, username, password, public_key, created_at
		FROM users WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &user.Password, &user.PublicKey, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Internal("query user", err)
	}
	return &user, nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := db.QueryRowContext(ctx, `
		SELECT id, username, password, public_key, created_at
		FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Username, &user.Password, &user.PublicKey, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Internal("query user", err)
	}
	return &user, nil
}

func (db *DB) userExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, apperrors.Internal("check user", err)
	}
	return n > 0, nil
}

// SearchUsers matches usernames case-insensitively, exact matches first.
func (db *DB) SearchUsers(ctx context.Context, query string) ([]*models.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, username, public_key, created_at
		FROM users
		WHERE username LIKE ? COLLATE NOCASE
		ORDER BY
			CASE
				WHEN username LIKE ? COLLATE NOCASE THEN 1
				WHEN username LIKE ? COLLATE NOCASE THEN 2
				ELSE 3
			END,
			username COLLATE NOCASE
		LIMIT 10
	`, "%"+query+"%", query, query+"%")
	if err != nil {
		return nil, apperrors.Internal("search users", err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

func (db *DB) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, username, public_key, created_at
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, apperrors.Internal("list users", err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]*models.User, error) {
	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(&user.ID, &user.Username, &user.PublicKey, &user.CreatedAt); err != nil {
			return nil, apperrors.Internal("scan user", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate users", err)
	}
	return users, nil
}
