// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import "errors"

// Kind classifies the small set of error conditions the port manager and
// the stream abstraction it sits on must distinguish (spec §7).
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindNoMemory
	KindAgain
	KindInterrupted
	KindDenied
	KindBadHandle
	KindNotConnection
	KindNotSupported
	KindConnectionReset
	KindNoSuchProcess
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNoMemory:
		return "no-memory"
	case KindAgain:
		return "again"
	case KindInterrupted:
		return "interrupted"
	case KindDenied:
		return "denied"
	case KindBadHandle:
		return "bad-handle"
	case KindNotConnection:
		return "not-connection"
	case KindNotSupported:
		return "not-supported"
	case KindConnectionReset:
		return "connection-reset"
	case KindNoSuchProcess:
		return "no-such-process"
	default:
		return "unknown"
	}
}

// Code maps a Kind to a small negative integer suitable for use as a
// teardown/exit code or a callback return value, mirroring the fixed
// negative-errno convention spec §6 uses on the wire.
func (k Kind) Code() int32 {
	return -(int32(k) + 1)
}

// Error is the small negative-code-like error value surfaced by this
// package. It wraps an underlying cause (which may be nil) so callers can
// still inspect OS-level detail while matching on Kind with errors.Is
// against the sentinels below.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAgain) etc. match regardless of the wrapped
// cause, by comparing Kind against the sentinel's Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons. Each carries a nil cause; wrap a
// real cause with NewError when one is available.
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrNoMemory        = &Error{Kind: KindNoMemory}
	ErrAgain           = &Error{Kind: KindAgain}
	ErrInterrupted     = &Error{Kind: KindInterrupted}
	ErrDenied          = &Error{Kind: KindDenied}
	ErrBadHandle       = &Error{Kind: KindBadHandle}
	ErrNotConnection   = &Error{Kind: KindNotConnection}
	ErrNotSupported    = &Error{Kind: KindNotSupported}
	ErrConnectionReset = &Error{Kind: KindConnectionReset}
	ErrNoSuchProcess   = &Error{Kind: KindNoSuchProcess}
)

// NewError wraps cause with kind, for call sites that want to preserve the
// underlying OS or I/O error alongside the Kind classification.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// IsKind reports whether err is an *Error of the given kind, unwrapping as
// errors.As would.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
