package storage

import "errors"

var (
	ErrMemberNotFound      = errors.New("member not found")
	ErrMemberAlreadyExists = errors.New("member already exists")
	ErrTokenNotFound       = errors.New("token not found")

	// ErrRotationConflict means the conditional rotation update matched no
	// row: the token was rotated, deleted, or never existed. The service
	// layer decides whether to retry.
	ErrRotationConflict = errors.New("token rotation conflict")
)
