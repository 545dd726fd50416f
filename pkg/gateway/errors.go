package gateway

import (
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// StatusError is returned for any HTTP response outside the 2xx range.
// Callers decide disposition based on the status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// TransientError wraps a connect or read timeout. Calls failing this way
// are retried at the call site without an attempt limit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient network error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// IsTransient reports whether err is retryable: a network timeout or a
// 502/504 gateway response.
func IsTransient(err error) bool {
	var terr *TransientError
	if errors.As(err, &terr) {
		return true
	}
	if IsTimeout(err) {
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code == http.StatusBadGateway || serr.Code == http.StatusGatewayTimeout
	}
	return false
}

// IsRecoverable reports whether err carries one of the statuses configured
// as "record-level recoverable" on batch submission. Records behind such a
// response reached the server with unknown outcome and are counted as sent.
func IsRecoverable(err error, statuses []int) bool {
	var serr *StatusError
	if !errors.As(err, &serr) {
		return false
	}
	return lo.Contains(statuses, serr.Code)
}
