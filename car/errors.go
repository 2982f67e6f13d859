package car

import "errors"

var (
	ErrNoRoots            = errors.New("car: at least one root is required")
	ErrUndefinedCID       = errors.New("car: undefined cid")
	ErrInvalidHeader      = errors.New("car: invalid header")
	ErrUnsupportedVersion = errors.New("car: unsupported version")
	ErrInvalidSection     = errors.New("car: invalid section")
	ErrSectionTooLarge    = errors.New("car: section too large")
)
