// Package schemaerr distinguishes fatal schema-invariant violations from
// ordinary I/O errors so callers can react differently (spec §7).
package schemaerr

import (
	"errors"
	"fmt"
)

// Violation is returned when an operation would break one of the broker's
// persisted invariants: a subscriber cursor running ahead of its queue, a
// hot row missing inside its own window, a cold block with no index entry.
type Violation struct {
	Op      string
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("schema invariant violated in %s: %s", v.Op, v.Message)
}

// New constructs a Violation.
func New(op, format string, args ...interface{}) error {
	return &Violation{Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is (or wraps) a *Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Unsupported is returned for explicitly unsupported operations (spec §7
// "Logic misuse", e.g. delete_queue). Unknown-queue lookups in the broker
// return plain descriptive errors, not Unsupported.
type Unsupported struct {
	Op      string
	Message string
}

func (u *Unsupported) Error() string {
	return fmt.Sprintf("%s: %s", u.Op, u.Message)
}

func NewUnsupported(op, format string, args ...interface{}) error {
	return &Unsupported{Op: op, Message: fmt.Sprintf(format, args...)}
}
