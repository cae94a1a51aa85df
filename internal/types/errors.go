package types

import (
	"errors"
	"fmt"
)

// ErrorKind lets callers branch on what went wrong instead of on messages.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindConnectivity      ErrorKind = "connectivity"
	KindSubmission        ErrorKind = "submission"
	KindEnforcementFailed ErrorKind = "enforcement_failed"
	KindSchema            ErrorKind = "schema"
	KindInvalid           ErrorKind = "invalid"
	KindUnsupported       ErrorKind = "unsupported"
)

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost typed error in the chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsConnectivity(err error) bool { return KindOf(err) == KindConnectivity }
func IsSubmission(err error) bool   { return KindOf(err) == KindSubmission }
func IsSchema(err error) bool       { return KindOf(err) == KindSchema }
