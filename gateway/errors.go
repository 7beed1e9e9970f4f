package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"unicode/utf8"
)

// Error kinds. Compare with errors.Is against an error returned by Execute.
var (
	ErrUnreachable = errors.New("gateway unreachable")
	ErrAuth        = errors.New("gateway rejected credentials")
	ErrTimeout     = errors.New("gateway timeout")
	ErrStatus      = errors.New("gateway returned an error status")
	ErrBadResponse = errors.New("gateway returned an unusable response")
)

// maxErrorBody bounds how much of a failed response body is kept on an Error.
const maxErrorBody = 512

// Error describes a failed gateway call.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error
	// StatusCode is the HTTP status, zero when no response arrived.
	StatusCode int
	// Body is the start of the response body for non-2xx responses.
	Body string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%v (HTTP %d): %s", e.Kind, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%v (HTTP %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Outcome maps an Execute result to a short metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrStatus):
		return "status"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func statusError(code int, body []byte) *Error {
	kind := ErrStatus
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		kind = ErrAuth
	}
	b := string(body)
	if len(body) > maxErrorBody {
		// Cut on a rune boundary so the text stays valid UTF-8.
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		b = string(body[:cut]) + "..."
	}
	return &Error{Kind: kind, StatusCode: code, Body: b}
}

// transportError classifies a failed round trip. Cancellation by the caller is
// returned as is: it is not a gateway failure.
func transportError(parent context.Context, err error) error {
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("gateway request cancelled: %w", context.Canceled)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	return &Error{Kind: ErrUnreachable, Err: err}
}
