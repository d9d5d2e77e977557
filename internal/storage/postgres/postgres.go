package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authd/internal/domain/models"
	"authd/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Storage struct {
	pool *pgxpool.Pool
}

// New connects a pgx pool and verifies the connection.
func New(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.postgres.New"

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *Storage) SaveMember(ctx context.Context, email string, passHash []byte, role string) (int64, error) {
	const op = "storage.postgres.SaveMember"

	var id int64
	err := s.pool.QueryRow(ctx,
		"INSERT INTO members (email, pass_hash, role) VALUES ($1, $2, $3) RETURNING id",
		email, passHash, role,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrMemberAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (s *Storage) MemberByEmail(ctx context.Context, email string) (*models.Member, error) {
	const op = "storage.postgres.MemberByEmail"

	row := s.pool.QueryRow(ctx,
		"SELECT id, email, pass_hash, role, deleted_at, banned_at FROM members WHERE email = $1",
		email,
	)
	return scanMember(row, op)
}

func (s *Storage) MemberByID(ctx context.Context, memberID int64) (*models.Member, error) {
	const op = "storage.postgres.MemberByID"

	row := s.pool.QueryRow(ctx,
		"SELECT id, email, pass_hash, role, deleted_at, banned_at FROM members WHERE id = $1",
		memberID,
	)
	return scanMember(row, op)
}

func scanMember(row pgx.Row, op string) (*models.Member, error) {
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrMemberNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &member, nil
}

func (s *Storage) SaveToken(ctx context.Context, token *models.AuthToken) error {
	const op = "storage.postgres.SaveToken"

	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_tokens (member_id, refresh_token_hash, device_id, user_agent, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (member_id, device_id) DO UPDATE SET
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
	const op = "storage.postgres.TokenByHash"

	row := s.pool.QueryRow(ctx, `
		SELECT id, member_id, refresh_token_hash, device_id, user_agent, expires_at, updated_at
		FROM auth_tokens WHERE refresh_token_hash = $1`,
		tokenHash,
	)
	return scanToken(row, op)
}

func (s *Storage) TokenByDeviceAndMember(ctx context.Context, deviceID string, memberID int64) (*models.AuthToken, error) {
	const op = "storage.postgres.TokenByDeviceAndMember"

	row := s.pool.QueryRow(ctx, `
		SELECT id, member_id, refresh_token_hash, device_id, user_agent, expires_at, updated_at
		FROM auth_tokens WHERE device_id = $1 AND member_id = $2`,
		deviceID, memberID,
	)
	return scanToken(row, op)
}

func (s *Storage) TokensByMember(ctx context.Context, memberID int64) ([]models.AuthToken, error) {
	const op = "storage.postgres.TokensByMember"

	rows, err := s.pool.Query(ctx, `
		SELECT id, member_id, refresh_token_hash, device_id, user_agent, expires_at, updated_at
		FROM auth_tokens WHERE member_id = $1`,
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

func scanToken(row pgx.Row, op string) (*models.AuthToken, error) {
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &token, nil
}

func (s *Storage) RotateToken(ctx context.Context, oldHash, newHash string, memberID int64, newExpiresAt time.Time) error {
	const op = "storage.postgres.RotateToken"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE auth_tokens
		SET refresh_token_hash = $1, expires_at = $2, updated_at = now()
		WHERE refresh_token_hash = $3`,
		newHash, newExpiresAt, oldHash,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrRotationConflict)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO revoked_refresh_tokens (refresh_token_hash, member_id, revoked_at)
		VALUES ($1, $2, now())
		ON CONFLICT (refresh_token_hash) DO NOTHING`,
		oldHash, memberID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DeleteToken(ctx context.Context, deviceID string, memberID int64) (int64, error) {
	const op = "storage.postgres.DeleteToken"

	tag, err := s.pool.Exec(ctx,
		"DELETE FROM auth_tokens WHERE device_id = $1 AND member_id = $2",
		deviceID, memberID,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	const op = "storage.postgres.IsRevoked"

	var revoked bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM revoked_refresh_tokens WHERE refresh_token_hash = $1)",
		tokenHash,
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return revoked, nil
}

func (s *Storage) Revoke(ctx context.Context, tokenHash string, memberID int64) error {
	const op = "storage.postgres.Revoke"

	_, err := s.pool.Exec(ctx, `
		INSERT INTO revoked_refresh_tokens (refresh_token_hash, member_id, revoked_at)
		VALUES ($1, $2, now())
		ON CONFLICT (refresh_token_hash) DO NOTHING`,
		tokenHash, memberID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) SweepExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.postgres.SweepExpiredTokens"

	tag, err := s.pool.Exec(ctx,
		"DELETE FROM auth_tokens WHERE expires_at < $1",
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) SweepRevoked(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.postgres.SweepRevoked"

	tag, err := s.pool.Exec(ctx,
		"DELETE FROM revoked_refresh_tokens WHERE revoked_at < $1",
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}
