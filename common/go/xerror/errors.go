// Package xerror defines the error taxonomy shared by the tracer and
// the analyzer. Components wrap these sentinels with fmt.Errorf and
// %w so callers can branch on the failure kind with errors.Is without
// parsing messages.
package xerror

import "errors"

var (
	// ErrOutOfRange marks an index, location or capacity outside the
	// bounds a component was built with.
	ErrOutOfRange = errors.New("out of range")

	// ErrNICFault marks a failure of the underlying NIC runtime:
	// interface lookup, socket setup, clock or timestamp registers.
	ErrNICFault = errors.New("NIC fault")

	// ErrOutOfMemory marks a failed memory mapping or allocation.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrBadFormat marks undecodable on-disk or on-wire bytes.
	ErrBadFormat = errors.New("bad format")

	// ErrBadParam marks an invalid caller-supplied parameter or
	// configuration value.
	ErrBadParam = errors.New("bad parameter")

	// ErrIOFault marks a file open, read or write failure.
	ErrIOFault = errors.New("I/O fault")
)
