package fleet

import (
	"errors"
	"fmt"
)

// ErrAuthFailed marks a fetch failure caused by rejected credentials. Auth
// failures are terminal: they are not retried until the repository
// configuration changes.
var ErrAuthFailed = errors.New("authentication failed")

// FetchError reports that a repository source could not be reached or read.
// Transient fetch errors are retried with bounded backoff; wrap
// ErrAuthFailed to mark the error terminal.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ResolutionError reports conflicting or malformed manifest input. The
// input is deterministically broken, so resolution errors are never
// retried automatically.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ValidationError reports a schema violation in a manifest or bundle
// definition. Never retried automatically.
type ValidationError struct {
	Key ResourceKey
	Msg string
}

func (e *ValidationError) Error() string {
	if e.Key == (ResourceKey{}) {
		return fmt.Sprintf("validation: %s", e.Msg)
	}
	return fmt.Sprintf("validation %s: %s", e.Key, e.Msg)
}

// ApplyError reports a cluster-side rejection of a specific resource.
// Retried up to a configurable bound, then surfaced as a terminal Error
// until the bundle or cluster state changes.
type ApplyError struct {
	Key ResourceKey
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.Key, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ConnectivityError reports that a target cluster is unreachable. Always
// retried with backoff.
type ConnectivityError struct {
	Cluster string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cluster %s unreachable: %v", e.Cluster, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// TimeoutError reports a bounded operation that exceeded its deadline.
// Always retried with backoff.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Retryable reports whether the error class is retried automatically.
// Fetch errors are retryable unless they wrap ErrAuthFailed; connectivity
// and timeout errors always are; resolution and validation errors never
// are. Apply errors are retried by the reconciler's own attempt counter,
// not here.
func Retryable(err error) bool {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return !errors.Is(err, ErrAuthFailed)
	}
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return true
	}
	var toErr *TimeoutError
	return errors.As(err, &toErr)
}
