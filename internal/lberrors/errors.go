// Package lberrors defines the core error taxonomy shared by the router,
// checker, and proxy engines so callers can classify failures with
// errors.Is/errors.As instead of matching strings.
package lberrors

import "errors"

// Sentinel errors for the taxonomy described in the core's error handling
// design: config validation, listener binding, backend selection, and the
// two network failure classes (connect vs mid-flow I/O) a proxy loop can
// hit after a lease has been issued.
var (
	// ErrConfigInvalid is returned by config validation; a reload that
	// produces this error leaves the previously published snapshot active.
	ErrConfigInvalid = errors.New("lberrors: configuration invalid")

	// ErrBindFailure names a listener that failed to bind. The server does
	// not return it: it logs a failed bind and keeps the other frontends
	// running, at startup and during a hot reload alike.
	ErrBindFailure = errors.New("lberrors: listener bind failed")

	// ErrNoHealthyBackends is returned by the router when selection finds
	// no eligible server for a backend.
	ErrNoHealthyBackends = errors.New("lberrors: no healthy backends available")

	// ErrBackendConnect is returned when dialing a chosen server does not
	// complete within connect_timeout.
	ErrBackendConnect = errors.New("lberrors: backend connect failed")

	// ErrBackendIO names an upstream reset or read/write error encountered
	// mid-flow, after a connection to the backend succeeded. The proxy
	// engines handle such errors in place (Lease.MarkFailure, then a 502
	// or a closed connection) and do not return it.
	ErrBackendIO = errors.New("lberrors: backend I/O error")

	// ErrClientIO names a client-side reset or malformed request, which
	// never marks a backend unhealthy. The L7 engine answers such requests
	// with an error status in place and does not return it.
	ErrClientIO = errors.New("lberrors: client I/O error")

	// ErrProbeFailure names a failed active health probe, which feeds the
	// same failure counters a data-path failure does. The checker records
	// probe failures in the health map directly and does not return it.
	ErrProbeFailure = errors.New("lberrors: health probe failed")
)

// BackendError wraps one of the sentinels above with the backend/server
// pair it occurred against, so logs and metrics can attribute it without
// re-parsing an error string.
type BackendError struct {
	Backend string
	Addr    string
	Err     error
}

func (e *BackendError) Error() string {
	return "lberrors: " + e.Backend + "/" + e.Addr + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError attributes err to a (backend, addr) pair.
func NewBackendError(backend, addr string, err error) *BackendError {
	return &BackendError{Backend: backend, Addr: addr, Err: err}
}
