package realtime

import "errors"

var (
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotJoined         = errors.New("connection has not joined this document")
	ErrForbidden         = errors.New("access to document denied")
	ErrShuttingDown      = errors.New("server is shutting down")
)
