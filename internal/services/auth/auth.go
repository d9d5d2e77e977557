package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authd/internal/domain/models"
	"authd/internal/lib/hash"
	"authd/internal/lib/jwt"
	"authd/internal/lib/sl"
	"authd/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Auth orchestrates the refresh-token lifecycle: issue on login, rotate on
// refresh, revoke on logout. The store is the single source of truth; no
// token state is cached in process.
type Auth struct {
	logger     *slog.Logger
	members    MemberProvider
	tokens     TokenStore
	verifier   PasswordVerifier
	limiter    RateLimiter
	jwtSecret  string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

type MemberProvider interface {
	MemberByEmail(ctx context.Context, email string) (*models.Member, error)
	MemberByID(ctx context.Context, memberID int64) (*models.Member, error)
}

type TokenStore interface {
	TokenByHash(ctx context.Context, tokenHash string) (*models.AuthToken, error)
	TokenByDeviceAndMember(ctx context.Context, deviceID string, memberID int64) (*models.AuthToken, error)
	SaveToken(ctx context.Context, token *models.AuthToken) error
	RotateToken(ctx context.Context, oldHash, newHash string, memberID int64, newExpiresAt time.Time) error
	DeleteToken(ctx context.Context, deviceID string, memberID int64) (int64, error)
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
	Revoke(ctx context.Context, tokenHash string, memberID int64) error
}

type PasswordVerifier interface {
	Matches(raw string, passHash []byte) bool
}

// RateLimiter is the injected throttle collaborator. A nil limiter disables
// throttling.
type RateLimiter interface {
	CheckLogin(ctx context.Context, email, ip string) error
	RecordLoginFailure(ctx context.Context, email, ip string) error
	ResetLogin(ctx context.Context, email, ip string) error
	CheckRefresh(ctx context.Context, deviceID string) error
}

// BcryptVerifier is the default PasswordVerifier.
type BcryptVerifier struct{}

func (BcryptVerifier) Matches(raw string, passHash []byte) bool {
	return bcrypt.CompareHashAndPassword(passHash, []byte(raw)) == nil
}

// ClientContext carries per-request client identity. DeviceID should be a
// stable per-install identifier supplied by the client; when absent a fresh
// one is minted and the session counts as a new device.
type ClientContext struct {
	DeviceID  string
	UserAgent string
	IP        string
}

// TokenPair is the result of a successful login or refresh. RefreshToken is
// the raw value destined for the transport cookie; it is never persisted.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrAccountDeleted      = errors.New("account deleted")
	ErrAccountBanned       = errors.New("account banned")
	ErrRefreshTokenMissing = errors.New("refresh token is required")
	ErrRefreshTokenInvalid = errors.New("invalid refresh token")
	// ErrRefreshTokenExpired and ErrRefreshTokenRevoked are distinguishable
	// cases of invalid. Transports must render revoked with the same generic
	// message as invalid so revocation is indistinguishable from forgery.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
)

// New returns a new instance of the Auth service. limiter may be nil.
func New(
	logger *slog.Logger,
	members MemberProvider,
	tokens TokenStore,
	verifier PasswordVerifier,
	limiter RateLimiter,
	jwtSecret string,
	accessTTL time.Duration,
	refreshTTL time.Duration,
) *Auth {
	return &Auth{
		logger:     logger,
		members:    members,
		tokens:     tokens,
		verifier:   verifier,
		limiter:    limiter,
		jwtSecret:  jwtSecret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Login authenticates the member and issues a fresh token pair. An existing
// token for the same (member, device) pair is rotated in place, never
// duplicated.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
	client ClientContext,
) (*TokenPair, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))
	log.Info("login request", slog.String("email", email))

	if a.limiter != nil {
		if err := a.limiter.CheckLogin(ctx, email, client.IP); err != nil {
			log.Warn("login throttled", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	member, err := a.members.MemberByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrMemberNotFound) {
			log.Warn("member not found", sl.Err(err))
			a.recordLoginFailure(ctx, email, client.IP, log)
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get member", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !a.verifier.Matches(password, member.PassHash) {
		log.Warn("invalid password")
		a.recordLoginFailure(ctx, email, client.IP, log)
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if member.IsDeleted() {
		log.Warn("account deleted", slog.Int64("memberID", member.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrAccountDeleted)
	}
	if member.IsBanned() {
		log.Warn("account banned", slog.Int64("memberID", member.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrAccountBanned)
	}

	if a.limiter != nil {
		if err := a.limiter.ResetLogin(ctx, email, client.IP); err != nil {
			log.Warn("failed to reset login counter", sl.Err(err))
		}
	}

	deviceID := client.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	rawToken, tokenHash, err := newRefreshToken()
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	token := &models.AuthToken{
		MemberID:         member.ID,
		RefreshTokenHash: tokenHash,
		DeviceID:         deviceID,
		UserAgent:        client.UserAgent,
		ExpiresAt:        time.Now().Add(a.refreshTTL),
		UpdatedAt:        time.Now(),
	}

	if existing, err := a.tokens.TokenByDeviceAndMember(ctx, deviceID, member.ID); err == nil {
		token.ID = existing.ID
	} else if !errors.Is(err, storage.ErrTokenNotFound) {
		log.Error("failed to look up device token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.tokens.SaveToken(ctx, token); err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, err := jwt.NewAccessToken(member, a.jwtSecret, a.accessTTL)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("member logged in",
		slog.Int64("memberID", member.ID),
		slog.String("deviceID", deviceID),
	)

	return &TokenPair{AccessToken: accessToken, RefreshToken: rawToken}, nil
}

// Refresh exchanges a valid refresh token for a new token pair, rotating the
// stored hash in place and revoking the presented one.
func (a *Auth) Refresh(
	ctx context.Context,
	refreshToken string,
) (*TokenPair, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op))
	log.Info("refresh request")

	if refreshToken == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenMissing)
	}

	tokenHash := hash.Digest(refreshToken)

	// Ledger first: a revoked-but-still-present token must reject identically
	// to a revoked-and-deleted one.
	revoked, err := a.tokens.IsRevoked(ctx, tokenHash)
	if err != nil {
		log.Error("failed to check revocation ledger", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if revoked {
		log.Warn("refresh token revoked")
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenRevoked)
	}

	token, err := a.tokens.TokenByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found")
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
		}
		log.Error("failed to get refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Exclusive boundary: a token is valid only while now < ExpiresAt.
	if !time.Now().Before(token.ExpiresAt) {
		log.Warn("refresh token expired", slog.Int64("memberID", token.MemberID))
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenExpired)
	}

	if a.limiter != nil {
		if err := a.limiter.CheckRefresh(ctx, token.DeviceID); err != nil {
			log.Warn("refresh throttled", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	member, err := a.members.MemberByID(ctx, token.MemberID)
	if err != nil {
		if errors.Is(err, storage.ErrMemberNotFound) {
			log.Warn("member gone for refresh token", slog.Int64("memberID", token.MemberID))
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
		}
		log.Error("failed to get member", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if member.IsDeleted() {
		return nil, fmt.Errorf("%s: %w", op, ErrAccountDeleted)
	}
	if member.IsBanned() {
		return nil, fmt.Errorf("%s: %w", op, ErrAccountBanned)
	}

	newRawToken, newHash, err := newRefreshToken()
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	newExpiresAt := time.Now().Add(a.refreshTTL)

	err = a.tokens.RotateToken(ctx, tokenHash, newHash, token.MemberID, newExpiresAt)
	if errors.Is(err, storage.ErrRotationConflict) {
		// Lost a race with a concurrent rotation or logout. Retry once, then
		// surface the generic invalid error rather than a concurrency one.
		log.Warn("rotation conflict, retrying once")
		if _, rereadErr := a.tokens.TokenByHash(ctx, tokenHash); rereadErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
		}
		err = a.tokens.RotateToken(ctx, tokenHash, newHash, token.MemberID, newExpiresAt)
		if err != nil {
			log.Warn("rotation retry failed", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenInvalid)
		}
	} else if err != nil {
		log.Error("failed to rotate refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, err := jwt.NewAccessToken(member, a.jwtSecret, a.accessTTL)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens refreshed", slog.Int64("memberID", member.ID))

	return &TokenPair{AccessToken: accessToken, RefreshToken: newRawToken}, nil
}

// Logout revokes the presented refresh token and deletes its row. Revocation
// is unconditional so the hash stays rejected even when the row is already
// gone; the row delete is best-effort.
func (a *Auth) Logout(
	ctx context.Context,
	refreshToken string,
) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op))
	log.Info("logout request")

	if refreshToken == "" {
		return fmt.Errorf("%s: %w", op, ErrRefreshTokenMissing)
	}

	tokenHash := hash.Digest(refreshToken)

	var memberID int64
	token, err := a.tokens.TokenByHash(ctx, tokenHash)
	switch {
	case err == nil:
		memberID = token.MemberID
	case errors.Is(err, storage.ErrTokenNotFound):
		// Already rotated away or never issued; ledger it anyway.
	default:
		log.Error("failed to get refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.tokens.Revoke(ctx, tokenHash, memberID); err != nil {
		log.Error("failed to revoke refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if token != nil {
		count, err := a.tokens.DeleteToken(ctx, token.DeviceID, token.MemberID)
		if err != nil {
			log.Warn("failed to delete token row", sl.Err(err))
		} else if count == 0 {
			log.Info("token row already gone", slog.Int64("memberID", token.MemberID))
		}
	}

	log.Info("member logged out", slog.Int64("memberID", memberID))

	return nil
}

func (a *Auth) recordLoginFailure(ctx context.Context, email, ip string, log *slog.Logger) {
	if a.limiter == nil {
		return
	}
	if err := a.limiter.RecordLoginFailure(ctx, email, ip); err != nil {
		log.Warn("failed to record login failure", sl.Err(err))
	}
}

// newRefreshToken generates a cryptographically strong opaque token and its
// storage digest.
func newRefreshToken() (raw, digest string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(bytes)
	return raw, hash.Digest(raw), nil
}
