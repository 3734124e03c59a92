package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrInvalidIdentity = errors.New("identity id must not be empty")
	ErrInvalidTenant   = errors.New("tenant id must not be empty")
	ErrLocked          = errors.New("store is locked by another process")
	ErrClosed          = errors.New("store closed")
)
