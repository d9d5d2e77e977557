package jwt

import (
	"fmt"
	"time"

	"authd/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
)

// NewAccessToken creates a short-lived HS256 access token carrying the
// member's identity and role claims.
func NewAccessToken(
	member *models.Member,
	secret string,
	duration time.Duration,
) (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(
		jwt.SigningMethodHS256,
		jwt.MapClaims{
			"uid":   member.ID,
			"email": member.Email,
			"role":  member.Role,
			"iat":   now.Unix(),
			"exp":   now.Add(duration).Unix(),
		})
	return token.SignedString([]byte(secret))
}

// ParseAccessToken parses and validates an access token, returning the claims.
func ParseAccessToken(tokenString string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
