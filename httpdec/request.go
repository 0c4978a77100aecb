package httpdec

import (
	"fmt"
	"strconv"
	"strings"
)

// Request is the message emitted by the Decoder once the header section is complete.
type Request struct {
	Method  string
	Target  string
	Version string
	// Headers maps header names, in the case they were received, to their values.
	// The last value wins on duplicated names.
	Headers map[string]string
}

// Header returns the value of the named header. The lookup is case-insensitive.
func (r *Request) Header(name string) (string, bool) {
	if v, ok := r.Headers[name]; ok {
		return v, true
	}

	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}

	return "", false
}

// ContentLength returns the value of the Content-Length header, or 0 if it is absent.
func (r *Request) ContentLength() (int64, error) {
	v, ok := r.Header("Content-Length")
	if !ok {
		return 0, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid content length %q", ErrBadRequest, v)
	}

	return n, nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s %s (%d headers)", r.Method, r.Target, r.Version, len(r.Headers))
}
