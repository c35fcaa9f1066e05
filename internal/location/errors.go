package location

import "errors"

var (
	// ErrPermissionDenied is terminal until GrantPermission is called.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrPositionUnavailable means every source in the chain failed.
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position timeout")
	// ErrUnsupported means no positioning sensor is present.
	ErrUnsupported = errors.New("positioning unsupported")
)
