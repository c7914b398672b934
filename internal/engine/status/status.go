// Package status defines the named status kinds the client surface (§6)
// exposes to callers, matching the teacher's habit of layering a small
// sentinel-error taxonomy (errClosed, errOutOfBounds in freezer_table.go;
// ErrSnapshotStale, ErrNotCoveredYet in the snapshot package) on top of the
// stdlib error interface rather than exposing bare errors across the facade
// boundary.
package status

import "fmt"

// Code is one of the status kinds named in spec.md §6.
type Code int

const (
	Ok Code = iota
	NotFound
	PmemOverflow
	InvalidDataSize
	InvalidConfiguration
	TooManyAccessThreads
	IOError
	MapError
	Abort
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case NotFound:
		return "NotFound"
	case PmemOverflow:
		return "PmemOverflow"
	case InvalidDataSize:
		return "InvalidDataSize"
	case InvalidConfiguration:
		return "InvalidConfiguration"
	case TooManyAccessThreads:
		return "TooManyAccessThreads"
	case IOError:
		return "IOError"
	case MapError:
		return "MapError"
	case Abort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// Status is the error type returned across the client surface. It carries a
// Code so callers can switch on status kind (per §6) plus an optional
// wrapped cause for diagnostics.
type Status struct {
	Code  Code
	cause error
}

func New(code Code, msg string) *Status {
	return &Status{Code: code, cause: fmt.Errorf("%s", msg)}
}

func Wrap(code Code, cause error) *Status {
	return &Status{Code: code, cause: cause}
}

func (s *Status) Error() string {
	if s.cause == nil {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %v", s.Code, s.cause)
}

func (s *Status) Unwrap() error { return s.cause }

// Is lets errors.Is(err, status.NotFound) style comparisons work against a
// bare Code value is not idiomatic, so callers compare via Of(err) == Code.
func Of(err error) Code {
	if err == nil {
		return Ok
	}
	if s, ok := err.(*Status); ok {
		return s.Code
	}
	return IOError
}
