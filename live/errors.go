package live

import "errors"

var (
	// ErrAlreadyConnected is returned by Connect outside disconnected or error.
	ErrAlreadyConnected = errors.New("session already connected")

	// ErrNotReady is returned by media sends before setup completes.
	ErrNotReady = errors.New("session not ready")

	// ErrSessionClosed is returned for sends that lose a race with disconnect,
	// go-away or a transport failure.
	ErrSessionClosed = errors.New("session closed")
)

// TransportError is a connection-level failure. It ends the attempt in
// StateError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
