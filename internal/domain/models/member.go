package models

import "time"

// Member is the account entity owned by the member-management side of the
// backend. The auth core only reads it for credential and state checks.
type Member struct {
	ID        int64
	Email     string
	PassHash  []byte
	Role      string
	DeletedAt *time.Time
	BannedAt  *time.Time
}

func (m *Member) IsDeleted() bool {
	return m.DeletedAt != nil
}

func (m *Member) IsBanned() bool {
	return m.BannedAt != nil
}
