package session

import "errors"

var (
	// ErrAlreadyExists is returned when creating a session for an identity
	// that already has a live one.
	ErrAlreadyExists = errors.New("session: already exists")

	// ErrNotFound is returned for operations on an unknown identity.
	ErrNotFound = errors.New("session: not found")

	// ErrProvisioning wraps any failure while creating a session. The
	// session is fully rolled back when it is returned.
	ErrProvisioning = errors.New("session: provisioning failed")

	// ErrUnauthorized marks a session the network logged out.
	ErrUnauthorized = errors.New("session: logged out by network")

	// ErrTransientDisconnect marks a close the reconnection policy retries.
	ErrTransientDisconnect = errors.New("session: transient disconnect")
)
