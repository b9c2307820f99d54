package registry

import "errors"

// Sentinel errors for registry operations.
var (
	ErrDuplicateJob     = errors.New("job id already exists")
	ErrUnknownJob       = errors.New("job not found")
	ErrJobCompleted     = errors.New("job already completed")
	ErrDuplicateSession = errors.New("session id already exists")
	ErrUnknownSession   = errors.New("client session not found")
	ErrSessionClosed    = errors.New("client session is closed")
)
