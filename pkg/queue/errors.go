package queue

import "errors"

// Sentinel errors the Engine returns; the HTTP surface maps these to status
// codes with errors.Is.
var (
	// ErrNotFound means the queue or lease named by the request does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a queue with the requested name already exists.
	ErrConflict = errors.New("conflict")
	// ErrBadRequest means a request field failed validation.
	ErrBadRequest = errors.New("bad request")
)
