package jwt

import (
	"testing"
	"time"

	"authd/internal/domain/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestNewAccessToken_Claims(t *testing.T) {
	member := &models.Member{
		ID:    42,
		Email: gofakeit.Email(),
		Role:  "member",
	}

	issued := time.Now()

	tokenString, err := NewAccessToken(member, testSecret, 15*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	claims, err := ParseAccessToken(tokenString, testSecret)
	require.NoError(t, err)

	assert.Equal(t, member.ID, int64(claims["uid"].(float64)))
	assert.Equal(t, member.Email, claims["email"].(string))
	assert.Equal(t, "member", claims["role"].(string))

	const deltaSeconds = 1
	assert.InDelta(t, issued.Add(15*time.Minute).Unix(), claims["exp"].(float64), deltaSeconds)
}

func TestParseAccessToken_WrongSecret(t *testing.T) {
	member := &models.Member{ID: 1, Email: gofakeit.Email(), Role: "member"}

	tokenString, err := NewAccessToken(member, testSecret, time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken(tokenString, "other-secret")
	require.Error(t, err)
}

func TestParseAccessToken_Expired(t *testing.T) {
	member := &models.Member{ID: 1, Email: gofakeit.Email(), Role: "member"}

	tokenString, err := NewAccessToken(member, testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken(tokenString, testSecret)
	require.Error(t, err)
}

func TestParseAccessToken_Garbage(t *testing.T) {
	_, err := ParseAccessToken("not-a-jwt", testSecret)
	require.Error(t, err)
}
