package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("ledger: not found")
	ErrMissingScope        = errors.New("ledger: tenant scope is required")
	ErrConcurrencyConflict = errors.New("ledger: concurrency conflict")
)

// ValidationError rejects bad input before anything is persisted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "ledger: " + e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError rejects an operation that is not legal for the debt's
// current status (e.g. cancel after cancel).
type InvalidStateError struct {
	Op     string
	Status Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("ledger: %s not allowed for status %s", e.Op, e.Status)
}

// InvariantViolation signals an attempt that would break the balance
// relationships. Treated as a data-corruption signal: always logged loudly
// by the ledger even though it surfaces as a normal error.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return "ledger: invariant violation: " + e.Msg }

func invariantf(format string, args ...any) error {
	return &InvariantViolation{Msg: fmt.Sprintf(format, args...)}
}

// Reason is a mandatory justification for privileged mutations. There is no
// optional variant: constructing one requires non-blank text, so "reason
// required" is a property of the type rather than a check each call site
// can forget.
type Reason struct {
	value string
}

// NewReason validates and wraps the justification text.
func NewReason(s string) (Reason, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reason{}, validationf("reason is required")
	}
	return Reason{value: s}, nil
}

func (r Reason) String() string { return r.value }

// IsZero reports whether the reason was built by literal instead of NewReason.
func (r Reason) IsZero() bool { return r.value == "" }
