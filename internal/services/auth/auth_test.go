package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"authd/internal/domain/models"
	"authd/internal/lib/hash"
	"authd/internal/lib/jwt"
	"authd/internal/ratelimit"
	"authd/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret = "test-secret"
	accessTTL  = 15 * time.Minute
	refreshTTL = time.Hour
)

type fakeStore struct {
	mu      sync.Mutex
	tokens  map[string]models.AuthToken
	revoked map[string]int64
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens:  make(map[string]models.AuthToken),
		revoked: make(map[string]int64),
	}
}

func (f *fakeStore) TokenByHash(_ context.Context, tokenHash string) (*models.AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.RefreshTokenHash == tokenHash {
			token := t
			return &token, nil
		}
	}
	return nil, storage.ErrTokenNotFound
}

func (f *fakeStore) TokenByDeviceAndMember(_ context.Context, deviceID string, memberID int64) (*models.AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[deviceKey(deviceID, memberID)]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	token := t
	return &token, nil
}

func (f *fakeStore) SaveToken(_ context.Context, token *models.AuthToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := deviceKey(token.DeviceID, token.MemberID)
	if existing, ok := f.tokens[key]; ok {
		token.ID = existing.ID
	} else {
		f.nextID++
		token.ID = f.nextID
	}
	f.tokens[key] = *token
	return nil
}

func (f *fakeStore) RotateToken(_ context.Context, oldHash, newHash string, memberID int64, newExpiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, t := range f.tokens {
		if t.RefreshTokenHash == oldHash {
			t.RefreshTokenHash = newHash
			t.ExpiresAt = newExpiresAt
			t.UpdatedAt = time.Now()
			f.tokens[key] = t
			f.revoked[oldHash] = memberID
			return nil
		}
	}
	return storage.ErrRotationConflict
}

func (f *fakeStore) DeleteToken(_ context.Context, deviceID string, memberID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := deviceKey(deviceID, memberID)
	if _, ok := f.tokens[key]; !ok {
		return 0, nil
	}
	delete(f.tokens, key)
	return 1, nil
}

func (f *fakeStore) IsRevoked(_ context.Context, tokenHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[tokenHash]
	return ok, nil
}

func (f *fakeStore) Revoke(_ context.Context, tokenHash string, memberID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.revoked[tokenHash]; !ok {
		f.revoked[tokenHash] = memberID
	}
	return nil
}

func (f *fakeStore) tokenCount(memberID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, t := range f.tokens {
		if t.MemberID == memberID {
			count++
		}
	}
	return count
}

func (f *fakeStore) expireToken(tokenHash string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, t := range f.tokens {
		if t.RefreshTokenHash == tokenHash {
			t.ExpiresAt = at
			f.tokens[key] = t
		}
	}
}

func deviceKey(deviceID string, memberID int64) string {
	return deviceID + "|" + strconv.FormatInt(memberID, 10)
}

type fakeMembers struct {
	byEmail map[string]*models.Member
	byID    map[int64]*models.Member
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{
		byEmail: make(map[string]*models.Member),
		byID:    make(map[int64]*models.Member),
	}
}

func (f *fakeMembers) add(member *models.Member) {
	f.byEmail[member.Email] = member
	f.byID[member.ID] = member
}

func (f *fakeMembers) MemberByEmail(_ context.Context, email string) (*models.Member, error) {
	m, ok := f.byEmail[email]
	if !ok {
		return nil, storage.ErrMemberNotFound
	}
	return m, nil
}

func (f *fakeMembers) MemberByID(_ context.Context, memberID int64) (*models.Member, error) {
	m, ok := f.byID[memberID]
	if !ok {
		return nil, storage.ErrMemberNotFound
	}
	return m, nil
}

type testEnv struct {
	auth     *Auth
	store    *fakeStore
	members  *fakeMembers
	member   *models.Member
	password string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newFakeStore()
	members := newFakeMembers()

	password := gofakeit.Password(true, true, true, true, false, 12)
	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	member := &models.Member{
		ID:       1,
		Email:    gofakeit.Email(),
		PassHash: passHash,
		Role:     "member",
	}
	members.add(member)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(logger, members, store, BcryptVerifier{}, nil, testSecret, accessTTL, refreshTTL)

	return &testEnv{
		auth:     a,
		store:    store,
		members:  members,
		member:   member,
		password: password,
	}
}

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{
		DeviceID:  "device-1",
		UserAgent: gofakeit.UserAgent(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := jwt.ParseAccessToken(pair.AccessToken, testSecret)
	require.NoError(t, err)
	assert.Equal(t, env.member.ID, int64(claims["uid"].(float64)))
	assert.Equal(t, "member", claims["role"].(string))

	// The digest, never the raw value, must be retrievable from the store.
	token, err := env.store.TokenByHash(ctx, hash.Digest(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, env.member.ID, token.MemberID)
	assert.Equal(t, "device-1", token.DeviceID)
	assert.NotEqual(t, pair.RefreshToken, token.RefreshTokenHash)
}

func TestLogin_UniformCredentialError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, errUnknown := env.auth.Login(ctx, gofakeit.Email(), env.password, ClientContext{})
	_, errWrongPass := env.auth.Login(ctx, env.member.Email, "wrong-password", ClientContext{})

	// No such member and wrong password must be indistinguishable.
	require.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	require.ErrorIs(t, errWrongPass, ErrInvalidCredentials)
}

func TestLogin_AccountState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	now := time.Now()

	env.member.DeletedAt = &now
	_, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{})
	require.ErrorIs(t, err, ErrAccountDeleted)

	env.member.DeletedAt = nil
	env.member.BannedAt = &now
	_, err = env.auth.Login(ctx, env.member.Email, env.password, ClientContext{})
	require.ErrorIs(t, err, ErrAccountBanned)
}

func TestLogin_SameDeviceReplacesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	client := ClientContext{DeviceID: "device-1"}

	first, err := env.auth.Login(ctx, env.member.Email, env.password, client)
	require.NoError(t, err)

	second, err := env.auth.Login(ctx, env.member.Email, env.password, client)
	require.NoError(t, err)

	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, 1, env.store.tokenCount(env.member.ID))

	// The replaced hash is no longer resolvable.
	_, err = env.store.TokenByHash(ctx, hash.Digest(first.RefreshToken))
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestLogin_MintsDeviceIDWhenAbsent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{})
	require.NoError(t, err)
	_, err = env.auth.Login(ctx, env.member.Email, env.password, ClientContext{})
	require.NoError(t, err)

	// Without a client-supplied device id every login is a new device.
	assert.Equal(t, 2, env.store.tokenCount(env.member.ID))
}

func TestRefresh_RotatesAndRevokesOld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{DeviceID: "device-1"})
	require.NoError(t, err)

	refreshed, err := env.auth.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, pair.RefreshToken, refreshed.RefreshToken)

	// Still exactly one row for the device; hash rotated in place.
	assert.Equal(t, 1, env.store.tokenCount(env.member.ID))

	// The presented token is revoked and rejected on replay.
	_, err = env.auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenRevoked)

	// The rotated token works.
	again, err := env.auth.Refresh(ctx, refreshed.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, again.RefreshToken)
}

func TestRefresh_Missing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.Refresh(context.Background(), "")
	require.ErrorIs(t, err, ErrRefreshTokenMissing)
}

func TestRefresh_NeverIssued(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.Refresh(context.Background(), "forged-token-value")
	require.ErrorIs(t, err, ErrRefreshTokenInvalid)
}

func TestRefresh_ExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{DeviceID: "device-1"})
	require.NoError(t, err)

	// expiresAt == now counts as expired: validity requires now strictly
	// before expiry.
	env.store.expireToken(hash.Digest(pair.RefreshToken), time.Now())

	_, err = env.auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenExpired)
}

func TestRefresh_RevokedWinsOverPresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{DeviceID: "device-1"})
	require.NoError(t, err)

	// Ledger the hash while the AuthToken row still exists.
	digest := hash.Digest(pair.RefreshToken)
	require.NoError(t, env.store.Revoke(ctx, digest, env.member.ID))

	_, err = env.auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenRevoked)
	assert.Equal(t, 1, env.store.tokenCount(env.member.ID))
}

func TestRefresh_MemberStateRechecked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{DeviceID: "device-1"})
	require.NoError(t, err)

	now := time.Now()
	env.member.BannedAt = &now

	_, err = env.auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrAccountBanned)
}

func TestLogout_RevokesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{DeviceID: "device-1"})
	require.NoError(t, err)

	require.NoError(t, env.auth.Logout(ctx, pair.RefreshToken))
	assert.Equal(t, 0, env.store.tokenCount(env.member.ID))

	_, err = env.auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenRevoked)
}

func TestLogout_Missing(t *testing.T) {
	env := newTestEnv(t)

	err := env.auth.Logout(context.Background(), "")
	require.ErrorIs(t, err, ErrRefreshTokenMissing)
}

func TestLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{DeviceID: "device-1"})
	require.NoError(t, err)

	require.NoError(t, env.auth.Logout(ctx, pair.RefreshToken))
	require.NoError(t, env.auth.Logout(ctx, pair.RefreshToken))
}

func TestLogout_UnknownTokenStillLedgered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	unknown := "never-issued-token"
	require.NoError(t, env.auth.Logout(ctx, unknown))

	revoked, err := env.store.IsRevoked(ctx, hash.Digest(unknown))
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{DeviceID: "device-1"})
	require.NoError(t, err)

	const goroutines = 2

	var wg sync.WaitGroup
	results := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.auth.Refresh(ctx, pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		// The loser gets a clean rejection, never a concurrency error.
		isClean := errorIsAny(err, ErrRefreshTokenInvalid, ErrRefreshTokenRevoked)
		assert.True(t, isClean, "unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, env.store.tokenCount(env.member.ID))
}

// conflictStore always loses the rotation race.
type conflictStore struct {
	*fakeStore
}

func (c *conflictStore) RotateToken(context.Context, string, string, int64, time.Time) error {
	return storage.ErrRotationConflict
}

func TestRefresh_RotationConflictFailsGenerically(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.auth.Login(ctx, env.member.Email, env.password, ClientContext{DeviceID: "device-1"})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conflicted := New(logger, env.members, &conflictStore{env.store}, BcryptVerifier{}, nil,
		testSecret, accessTTL, refreshTTL)

	_, err = conflicted.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenInvalid)
	require.NotErrorIs(t, err, storage.ErrRotationConflict)
}

// countingLimiter records limiter traffic and optionally rejects logins.
type countingLimiter struct {
	rejectLogin bool
	failures    int
	resets      int
}

func (l *countingLimiter) CheckLogin(context.Context, string, string) error {
	if l.rejectLogin {
		return ratelimit.ErrRateLimited
	}
	return nil
}

func (l *countingLimiter) RecordLoginFailure(context.Context, string, string) error {
	l.failures++
	return nil
}

func (l *countingLimiter) ResetLogin(context.Context, string, string) error {
	l.resets++
	return nil
}

func (l *countingLimiter) CheckRefresh(context.Context, string) error { return nil }

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limiter := &countingLimiter{rejectLogin: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limited := New(logger, env.members, env.store, BcryptVerifier{}, limiter,
		testSecret, accessTTL, refreshTTL)

	_, err := limited.Login(ctx, env.member.Email, env.password, ClientContext{})
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
}

func TestLogin_LimiterBookkeeping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limiter := &countingLimiter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limited := New(logger, env.members, env.store, BcryptVerifier{}, limiter,
		testSecret, accessTTL, refreshTTL)

	_, err := limited.Login(ctx, env.member.Email, "wrong-password", ClientContext{})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, limiter.failures)

	_, err = limited.Login(ctx, env.member.Email, env.password, ClientContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.resets)
}

func errorIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
