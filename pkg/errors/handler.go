package errors

import (
	"net/http"

	"github.com/stacklok/capsule-broker/pkg/logger"
)

// RouteFunc is a chi-style handler that may fail instead of writing its own
// error response, letting the proxy's route table stay free of repeated
// status-code bookkeeping for the capability/allowlist errors defined in
// this package.
type RouteFunc func(http.ResponseWriter, *http.Request) error

// AsHandler adapts fn into an http.HandlerFunc: a nil return means fn
// already wrote the response itself (used for the streaming forward path,
// where the status line is written before the body is known to fail
// mid-stream); a non-nil *Error is rendered via Code() and, for the 5xx
// band, logged with its cause instead of exposed to the caller.
func AsHandler(fn RouteFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeCoded(w, err)
		}
	}
}

func writeCoded(w http.ResponseWriter, err error) {
	code := Code(err)
	if code < http.StatusInternalServerError {
		http.Error(w, err.Error(), code)
		return
	}
	logger.Errorf("proxy: unhandled error: %v", err)
	http.Error(w, http.StatusText(code), code)
}
