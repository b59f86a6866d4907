// Package errdefs defines the error kinds shared by the session core and the
// request layer, along with their wire codes and HTTP statuses.
package errdefs

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrInvalidConfig is a caller error in profile or policy input. Not retried.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrProvision means the sandbox could not be created or started.
	ErrProvision = errors.New("provision failed")

	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyTerminating is returned to the loser of a terminate race.
	// Callers treat it as success.
	ErrAlreadyTerminating = errors.New("already terminating")

	// ErrAlreadyRunning is returned by the engine when starting a started sandbox.
	ErrAlreadyRunning = errors.New("already running")

	// ErrRelayIO means the stream or the pty broke mid-session.
	ErrRelayIO = errors.New("relay i/o error")

	// ErrTeardown means Stop or Remove failed during termination.
	ErrTeardown = errors.New("teardown failed")

	ErrUnauthorized = errors.New("unauthorized")
	ErrCapacity     = errors.New("session capacity reached")
	ErrRateLimited  = errors.New("rate limited")
)

// Code returns the stable wire code for err. Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrProvision):
		return "provision_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAlreadyTerminating):
		return "already_terminating"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrRelayIO):
		return "relay_io_error"
	case errors.Is(err, ErrTeardown):
		return "teardown_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to the status code the request layer responds with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "invalid_config":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "already_running":
		return http.StatusConflict
	case "already_terminating":
		return http.StatusAccepted
	case "unauthorized":
		return http.StatusUnauthorized
	case "capacity":
		return http.StatusServiceUnavailable
	case "rate_limited":
		return http.StatusTooManyRequests
	case "provision_error":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
