package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"authd/internal/domain/models"
	"authd/internal/storage"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Serialized access keeps the read-check-write rotation sequence atomic
	// without explicit row locks.
	db.SetMaxOpenConns(1)

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// SaveMember inserts a member row. The auth core itself only reads members;
// this exists for seeding and tests.
func (s *Storage) SaveMember(ctx context.Context, email string, passHash []byte, role string) (int64, error) {
	const op = "storage.sqlite.SaveMember"

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO members (email, pass_hash, role) VALUES (?, ?, ?)",
		email, passHash, role,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrMemberAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.LastInsertId()
}

func (s *Storage) MemberByEmail(ctx context.Context, email string) (*models.Member, error) {
	const op = "storage.sqlite.MemberByEmail"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, role, deleted_at, banned_at FROM members WHERE email = ?",
		email,
	)
	return scanMember(row, op)
}

func (s *Storage) MemberByID(ctx context.Context, memberID int64) (*models.Member, error) {
	const op = "storage.sqlite.MemberByID"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, role, deleted_at, banned_at FROM members WHERE id = ?",
		memberID,
	)
	return scanMember(row, op)
}

func scanMember(row *sql.Row, op string) (*models.Member, error) {
	var member models.Member
	err := row.Scan(
		&member.ID,
		&member.Email,
		&member.PassHash,
		&member.Role,
		&member.DeletedAt,
		&member.BannedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrMemberNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &member, nil
}

// SaveToken inserts the token or, when a row for the same (member, device)
// pair already exists, replaces its hash and expiry in place.
func (s *Storage) SaveToken(ctx context.Context, token *models.AuthToken) error {
	const op = "storage.sqlite.SaveToken"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (member_id, refresh_token_hash, device_id, user_agent, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_id, device_id) DO UPDATE SET
			refresh_token_hash = excluded.refresh_token_hash,
			user_agent = excluded.user_agent,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		token.MemberID,
		token.RefreshTokenHash,
		token.DeviceID,
		token.UserAgent,
		token.ExpiresAt,
		token.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) TokenByHash(ctx context.Context, tokenHash string) (*models.AuthToken, error) {
	const op = "storage.sqlite.TokenByHash"

	row := s.db.QueryRowContext(ctx, `
		SELECT id, member_id, refresh_token_hash, device_id, user_agent, expires_at, updated_at
		FROM auth_tokens WHERE refresh_token_hash = ?`,
		tokenHash,
	)
	return scanToken(row, op)
}

func (s *Storage) TokenByDeviceAndMember(ctx context.Context, deviceID string, memberID int64) (*models.AuthToken, error) {
	const op = "storage.sqlite.TokenByDeviceAndMember"

	row := s.db.QueryRowContext(ctx, `
		SELECT id, member_id, refresh_token_hash, device_id, user_agent, expires_at, updated_at
		FROM auth_tokens WHERE device_id = ? AND member_id = ?`,
		deviceID, memberID,
	)
	return scanToken(row, op)
}

func (s *Storage) TokensByMember(ctx context.Context, memberID int64) ([]models.AuthToken, error) {
	const op = "storage.sqlite.TokensByMember"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, member_id, refresh_token_hash, device_id, user_agent, expires_at, updated_at
		FROM auth_tokens WHERE member_id = ?`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tokens []models.AuthToken
	for rows.Next() {
		var token models.AuthToken
		err := rows.Scan(
			&token.ID,
			&token.MemberID,
			&token.RefreshTokenHash,
			&token.DeviceID,
			&token.UserAgent,
			&token.ExpiresAt,
			&token.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

func scanToken(row *sql.Row, op string) (*models.AuthToken, error) {
	var token models.AuthToken
	err := row.Scan(
		&token.ID,
		&token.MemberID,
		&token.RefreshTokenHash,
		&token.DeviceID,
		&token.UserAgent,
		&token.ExpiresAt,
		&token.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &token, nil
}

// RotateToken replaces the stored hash and expiry keyed on the old hash and
// ledgers the old hash, in one transaction. Returns
// [storage.ErrRotationConflict] when no row carries oldHash anymore.
func (s *Storage) RotateToken(ctx context.Context, oldHash, newHash string, memberID int64, newExpiresAt time.Time) error {
	const op = "storage.sqlite.RotateToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE auth_tokens
		SET refresh_token_hash = ?, expires_at = ?, updated_at = ?
		WHERE refresh_token_hash = ?`,
		newHash, newExpiresAt, time.Now(), oldHash,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrRotationConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO revoked_refresh_tokens (refresh_token_hash, member_id, revoked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(refresh_token_hash) DO NOTHING`,
		oldHash, memberID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteToken removes the token row for a (device, member) pair and reports
// how many rows went away. Zero is not an error.
func (s *Storage) DeleteToken(ctx context.Context, deviceID string, memberID int64) (int64, error) {
	const op = "storage.sqlite.DeleteToken"

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM auth_tokens WHERE device_id = ? AND member_id = ?",
		deviceID, memberID,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.RowsAffected()
}

func (s *Storage) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	const op = "storage.sqlite.IsRevoked"

	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM revoked_refresh_tokens WHERE refresh_token_hash = ?",
		tokenHash,
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return count > 0, nil
}

// Revoke ledgers a token hash. Re-revoking an already-revoked hash is a no-op.
func (s *Storage) Revoke(ctx context.Context, tokenHash string, memberID int64) error {
	const op = "storage.sqlite.Revoke"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_refresh_tokens (refresh_token_hash, member_id, revoked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(refresh_token_hash) DO NOTHING`,
		tokenHash, memberID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SweepExpiredTokens deletes token rows whose expiry is strictly before the
// cutoff and reports the count.
func (s *Storage) SweepExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.sqlite.SweepExpiredTokens"

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM auth_tokens WHERE expires_at < ?",
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.RowsAffected()
}

// SweepRevoked purges ledger entries older than the retention horizon. Safe
// because the originating tokens expired long before the horizon.
func (s *Storage) SweepRevoked(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.sqlite.SweepRevoked"

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM revoked_refresh_tokens WHERE revoked_at < ?",
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.RowsAffected()
}
