package sandbox

import "errors"

var (
	// ErrReadDenied is returned when a path is inside a denied read path.
	ErrReadDenied = errors.New("sandbox: read denied")

	// ErrWriteDenied is returned when a path is outside every writable root.
	ErrWriteDenied = errors.New("sandbox: write denied")

	// ErrDomainDenied is returned when a host is blocked or not allowlisted.
	ErrDomainDenied = errors.New("sandbox: domain denied")
)
