package tracker

import (
	"errors"
	"fmt"
)

// Code is the machine-readable reason attached to every rejection.
type Code string

const (
	CodeInvalidSample      Code = "invalid_sample"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeTripAlreadyOpen    Code = "trip_already_open"
	CodeTripNotEligible    Code = "trip_not_eligible"
	CodeVisitNotOpen       Code = "visit_not_open"
	CodeClaimStateConflict Code = "claim_state_conflict"
	CodeOverrideRequired   Code = "override_required"
	CodeNotFound           Code = "not_found"
)

var (
	ErrInvalidSample      = errors.New("invalid sample")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrTripAlreadyOpen    = errors.New("trip already open")
	ErrTripNotEligible    = errors.New("trip not eligible")
	ErrVisitNotOpen       = errors.New("visit not open")
	ErrClaimStateConflict = errors.New("claim state conflict")
	ErrOverrideRequired   = errors.New("override required")
	ErrNotFound           = errors.New("not found")
)

var codes = map[error]Code{
	ErrInvalidSample:      CodeInvalidSample,
	ErrInvalidTransition:  CodeInvalidTransition,
	ErrTripAlreadyOpen:    CodeTripAlreadyOpen,
	ErrTripNotEligible:    CodeTripNotEligible,
	ErrVisitNotOpen:       CodeVisitNotOpen,
	ErrClaimStateConflict: CodeClaimStateConflict,
	ErrOverrideRequired:   CodeOverrideRequired,
	ErrNotFound:           CodeNotFound,
}

// Error is a rejected operation. It wraps one of the sentinel errors above so
// callers can match with errors.Is.
type Error struct {
	Code   Code
	Detail string
	err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Reject builds an *Error for one of the package sentinels.
func Reject(sentinel error, format string, args ...interface{}) error {
	return &Error{Code: codes[sentinel], Detail: fmt.Sprintf(format, args...), err: sentinel}
}

// CodeOf returns the rejection code carried by err, or "" for
// infrastructure failures.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
