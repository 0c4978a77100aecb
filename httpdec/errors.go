package httpdec

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/arloliu/go-netsession/session"
)

var (
	// ErrBadRequest indicates a request line or header line that does not match the grammar.
	ErrBadRequest = fmt.Errorf("%w: bad request", session.ErrProtocolViolation)

	// ErrURITooLong indicates a request line longer than the configured maximum.
	ErrURITooLong = fmt.Errorf("%w: request line too long", session.ErrProtocolViolation)

	// ErrHeaderFieldsTooLarge indicates a header line longer than the configured maximum, or
	// more header lines than allowed.
	ErrHeaderFieldsTooLarge = fmt.Errorf("%w: header fields too large", session.ErrProtocolViolation)

	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("httpdec: config is nil")
)

// StatusCode returns the HTTP status code a server would answer with for a decoder error.
//
// It returns 200 for nil, 414 for ErrURITooLong, 431 for ErrHeaderFieldsTooLarge, 400 for
// ErrBadRequest and any other protocol violation, and 500 otherwise.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrURITooLong):
		return http.StatusRequestURITooLong
	case errors.Is(err, ErrHeaderFieldsTooLarge):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, session.ErrProtocolViolation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
