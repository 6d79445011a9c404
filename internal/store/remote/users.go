package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrSessionNotFound = errors.New("auth session not found")
)

// User is an account row.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// AuthSession binds a bearer token to a user until it expires.
type AuthSession struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateUser inserts an account. Emails are compared case-insensitively.
func (d *DB) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	user := User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	if _, err := d.FindUserByEmail(ctx, user.Email); err == nil {
		return User{}, ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	_, err := d.exec(ctx, `INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

// FindUserByEmail looks up an account by email.
func (d *DB) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := d.queryRow(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("getting user: %w", err)
	}
	return user, nil
}

// FindUserByID looks up an account by id.
func (d *DB) FindUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := d.queryRow(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("getting user: %w", err)
	}
	return user, nil
}

// CreateSession stores a bearer token.
func (d *DB) CreateSession(ctx context.Context, session AuthSession) error {
	_, err := d.exec(ctx, `INSERT INTO auth_sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		session.Token, session.UserID, session.CreatedAt.UTC(), session.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("creating auth session: %w", err)
	}
	return nil
}

// FindSession returns the session for token, expired or not.
func (d *DB) FindSession(ctx context.Context, token string) (AuthSession, error) {
	var session AuthSession
	err := d.queryRow(ctx, `SELECT token, user_id, created_at, expires_at FROM auth_sessions WHERE token = ?`, token).
		Scan(&session.Token, &session.UserID, &session.CreatedAt, &session.ExpiresAt)
	if err == sql.ErrNoRows {
		return AuthSession{}, ErrSessionNotFound
	}
	if err != nil {
		return AuthSession{}, fmt.Errorf("getting auth session: %w", err)
	}
	return session, nil
}

// DeleteSession removes a token.
func (d *DB) DeleteSession(ctx context.Context, token string) error {
	if _, err := d.exec(ctx, `DELETE FROM auth_sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("deleting auth session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now and reports how
// many were removed.
func (d *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.exec(ctx, `DELETE FROM auth_sessions WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
