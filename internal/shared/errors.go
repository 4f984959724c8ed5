package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrCodeTaken indicates a natural key is already used by a live record.
	ErrCodeTaken = errors.New("code already in use")
)
