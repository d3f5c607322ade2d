package realitycheck

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// Lifecycle sentinels, matched with errors.Is.
var (
	// ErrAlreadyMonitoring is returned by Monitor.Start unless the monitor is idle.
	ErrAlreadyMonitoring = errors.New("already monitoring")

	// ErrNotMonitoring is reported when a session operation needs an active session.
	ErrNotMonitoring = errors.New("not monitoring")

	// ErrMalformedEvent marks events the drain loop refuses to aggregate.
	ErrMalformedEvent = errors.New("malformed tracking event")
)

func errMalformedEvent(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, reason)
}

// StateError reports an invalid lifecycle transition. No state is mutated
// when one is returned.
type StateError struct {
	Op    string
	State MonitorState
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (state %s)", e.Op, e.Err, e.State)
}

func (e *StateError) Unwrap() error { return e.Err }

// StartupError is fatal to a single start call and is retryable.
type StartupError struct {
	// Stage is where startup failed: "certificate" or "bind".
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ProxyBindError reports that the proxy listener could not be bound.
type ProxyBindError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *ProxyBindError) Error() string {
	return fmt.Sprintf("bind %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *ProxyBindError) Unwrap() error { return e.Err }

func newProxyBindError(addr string, err error) *ProxyBindError {
	reason := "listen failed"
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		reason = "port in use"
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		reason = "permission denied"
	case errors.Is(err, errBindTimeout):
		reason = "bind not confirmed"
	}
	return &ProxyBindError{Addr: addr, Reason: reason, Err: err}
}

var errBindTimeout = errors.New("timed out waiting for listener")

// ShutdownTimeoutWarning is non-fatal: a goroutine did not exit within the
// join timeout and may leak. Shutdown proceeds regardless.
type ShutdownTimeoutWarning struct {
	Component string
	Timeout   time.Duration
}

func (w *ShutdownTimeoutWarning) Error() string {
	return fmt.Sprintf("%s did not stop within %s", w.Component, w.Timeout)
}

// ChannelOverflowWarning is logged, rate limited, when the event queue is full.
// It only ever affects retained events, never counters.
type ChannelOverflowWarning struct {
	Evicted int64
	Dropped int64
}

func (w *ChannelOverflowWarning) Error() string {
	return fmt.Sprintf("event queue overflow: %d evicted, %d dropped", w.Evicted, w.Dropped)
}

// ClassificationError wraps a failure inside the classifier. It is always
// recovered locally and never reaches callers.
type ClassificationError struct {
	URL string
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.URL, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// ErrProxyCrashed is returned by ProxyController.Start after the engine
// exited unexpectedly. Call Stop before starting again.
var ErrProxyCrashed = errors.New("proxy crashed; stop it before starting again")
