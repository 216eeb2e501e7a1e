package registry

import "errors"

// Error kinds returned by the registry. The HTTP layer maps them to status
// codes; nothing in this package knows about HTTP.
var (
	// ErrNotFound is returned for unknown resource or subscription ids.
	ErrNotFound = errors.New("not found")

	// ErrOwnershipConflict is returned when a client other than the one that
	// registered a resource tries to update, heartbeat or delete it.
	ErrOwnershipConflict = errors.New("resource owned by another client")

	// ErrForbidden is returned when deleting a registry-managed subscription.
	ErrForbidden = errors.New("operation not permitted")

	// ErrBadRequest covers malformed bodies and paging windows.
	ErrBadRequest = errors.New("bad request")

	// ErrNotImplemented is returned for RQL queries.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnavailable is returned while the registry instance is disabled.
	ErrUnavailable = errors.New("registry unavailable")
)
