package models

import "time"

// AuthToken represents one issued refresh token for a (member, device) pair.
// Only the SHA-256 digest of the token is ever stored; the raw value lives in
// the client cookie and nowhere else.
type AuthToken struct {
	ID               int64
	MemberID         int64
	RefreshTokenHash string
	DeviceID         string
	UserAgent        string
	ExpiresAt        time.Time
	UpdatedAt        time.Time
}

// RevokedRefreshToken is a ledger entry for a token hash that must never be
// accepted again, even while the originating AuthToken row still exists.
type RevokedRefreshToken struct {
	RefreshTokenHash string
	MemberID         int64
	RevokedAt        time.Time
}
