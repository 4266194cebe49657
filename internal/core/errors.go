package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the relay engine.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindResolution
	KindConnectivity
	KindAuthentication
	KindPermissionDenied
	KindAdapterClosed
	KindFlowConnect
	KindDNS
	KindAlreadyRunning
)

func (k ErrorKind) String() string {
	switch k {
	case KindResolution:
		return "ResolutionError"
	case KindConnectivity:
		return "ConnectivityError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindAdapterClosed:
		return "AdapterClosed"
	case KindFlowConnect:
		return "FlowConnectError"
	case KindDNS:
		return "DnsError"
	case KindAlreadyRunning:
		return "AlreadyRunning"
	default:
		return "UnknownError"
	}
}

// Error is a typed engine error. Op names the failed operation and Err
// carries the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel kinds: errors.Is(err, ErrAuthentication) is true for
// any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrResolution       = &Error{Kind: KindResolution}
	ErrConnectivity     = &Error{Kind: KindConnectivity}
	ErrAuthentication   = &Error{Kind: KindAuthentication}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrAdapterClosed    = &Error{Kind: KindAdapterClosed}
	ErrFlowConnect      = &Error{Kind: KindFlowConnect}
	ErrDNS              = &Error{Kind: KindDNS}
	ErrAlreadyRunning   = &Error{Kind: KindAlreadyRunning}
)

// NewError builds a typed error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
