package models

import "errors"

// Sentinel errors shared by the service, usage, and billing packages so the
// HTTP layer can map them to status codes in one place.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrDuplicate          = errors.New("already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrForbidden          = errors.New("forbidden")
)
