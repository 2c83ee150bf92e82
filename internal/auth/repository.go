package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres-backed Store. Lock-state transitions run inside
// row-level FOR UPDATE transactions so concurrent login attempts for the same
// user serialize and the lockout trips exactly once.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `
	id, email, username, password_hash,
	first_name, last_name, phone,
	role, student_class,
	is_active, is_verified, is_locked,
	failed_login_attempts, locked_until, last_login, password_changed_at,
	created_at, updated_at`

func (r *Repository) GetUserByIdentity(ctx context.Context, identity string) (User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1 OR username = $1`, identity)
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *Repository) getUser(ctx context.Context, query, arg string) (User, error) {
	var (
		user                                    User
		phone, studentClass                     sql.NullString
		lockedUntil, lastLogin, passwordChanged sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.Username, &user.PasswordHash,
		&user.FirstName, &user.LastName, &phone,
		&user.Role, &studentClass,
		&user.IsActive, &user.IsVerified, &user.IsLocked,
		&user.FailedLoginAttempts, &lockedUntil, &lastLogin, &passwordChanged,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}

	user.Phone = phone.String
	user.StudentClass = studentClass.String
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		user.LockedUntil = &value
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		user.LastLogin = &value
	}
	if passwordChanged.Valid {
		value := passwordChanged.Time.UTC()
		user.PasswordChangedAt = &value
	}

	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, user User) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	user.ID = id.String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (
			id, email, username, password_hash,
			first_name, last_name, phone,
			role, student_class,
			is_active, is_verified, is_locked,
			failed_login_attempts, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, 0, $12, $12)
	`, user.ID, user.Email, user.Username, user.PasswordHash,
		user.FirstName, user.LastName, nullIfEmpty(user.Phone),
		user.Role, nullIfEmpty(user.StudentClass),
		user.IsActive, user.IsVerified, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			field := "username"
			if strings.Contains(pgErr.ConstraintName, "email") {
				field = "email"
			}
			return User{}, IdentityTakenError{Field: field}
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *Repository) RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0,
			is_locked = FALSE,
			locked_until = NULL,
			last_login = $2,
			updated_at = $2
		WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("record login success: %w", err)
	}

	return nil
}

func (r *Repository) RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (FailureOutcome, error) {
	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureOutcome{}, fmt.Errorf("begin login failure tx: %w", err)
	}
	defer tx.Rollback()

	var (
		failed      int
		isLocked    bool
		lockedUntil sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_attempts, is_locked, locked_until
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&failed, &isLocked, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureOutcome{}, ErrUserNotFound
		}
		return FailureOutcome{}, fmt.Errorf("lock user row: %w", err)
	}

	// Another attempt may have tripped the lock between our read and this
	// transaction; honor the existing window.
	if isLocked && lockedUntil.Valid && now.Before(lockedUntil.Time) {
		if err := tx.Commit(); err != nil {
			return FailureOutcome{}, fmt.Errorf("commit login failure tx: %w", err)
		}
		return FailureOutcome{Locked: true, LockedUntil: lockedUntil.Time.UTC()}, nil
	}

	// An expired lock behaves as unlocked; the counter restarts.
	if isLocked {
		failed = 0
	}

	failed++
	outcome := FailureOutcome{RemainingAttempts: maxAttempts - failed}

	var nextLock any
	lockTripped := failed >= maxAttempts
	if lockTripped {
		until := now.Add(lockFor)
		outcome = FailureOutcome{Locked: true, LockedUntil: until}
		nextLock = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = $2,
			is_locked = $3,
			locked_until = $4,
			updated_at = $5
		WHERE id = $1
	`, userID, failed, lockTripped, nextLock, now)
	if err != nil {
		return FailureOutcome{}, fmt.Errorf("update login failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FailureOutcome{}, fmt.Errorf("commit login failure tx: %w", err)
	}

	return outcome, nil
}

func (r *Repository) Unlock(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0,
			is_locked = FALSE,
			locked_until = NULL,
			updated_at = $2
		WHERE id = $1
	`, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("unlock user: %w", err)
	}

	return nil
}

func (r *Repository) SaveResetToken(ctx context.Context, userID, tokenID string, expiresAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate reset token id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), userID, hashTokenID(tokenID), expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}

	return nil
}

// ResetPassword consumes the reset token and rewrites the password hash in
// one transaction, so a token can never be spent twice.
func (r *Repository) ResetPassword(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) error {
	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin password reset tx: %w", err)
	}
	defer tx.Rollback()

	var (
		rowID     string
		owner     string
		expiresAt time.Time
		usedAt    sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, used_at
		FROM auth_password_reset_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, hashTokenID(tokenID)).Scan(&rowID, &owner, &expiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidToken
		}
		return fmt.Errorf("read reset token: %w", err)
	}

	if usedAt.Valid || owner != userID || now.After(expiresAt.UTC()) {
		return ErrInvalidToken
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE auth_password_reset_tokens SET used_at = $2 WHERE id = $1
	`, rowID, now); err != nil {
		return fmt.Errorf("consume reset token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2,
			password_changed_at = $3,
			failed_login_attempts = 0,
			is_locked = FALSE,
			locked_until = NULL,
			updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, now); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit password reset tx: %w", err)
	}

	return nil
}

func (r *Repository) CleanupExpiredResetTokens(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := time.Now().UTC().Add(-retention)

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_password_reset_tokens
			WHERE expires_at < $1 OR used_at IS NOT NULL
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_password_reset_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale reset tokens rows affected: %w", err)
	}

	return affected, nil
}

func hashTokenID(tokenID string) string {
	sum := sha256.Sum256([]byte(tokenID))
	return hex.EncodeToString(sum[:])
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
