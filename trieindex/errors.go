// Copyright 2025 R5 Labs
// This file is part of the R5 Core library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package trieindex

import "fmt"

// Kind classifies the family an Error belongs to, so callers can branch on
// errors.Is against the sentinel values below without string-matching.
type Kind int

const (
	KindIO Kind = iota
	KindBackingStore
	KindBusy
	KindCorruption
	KindNotFound
	KindExists
	KindReadOnly
	KindUnconfirmed
	KindInProgress
	KindRequestedIdentifierForExtensionTrie
	KindNotOpened
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindBackingStore:
		return "backing store"
	case KindBusy:
		return "busy"
	case KindCorruption:
		return "corruption"
	case KindNotFound:
		return "not found"
	case KindExists:
		return "exists"
	case KindReadOnly:
		return "read only"
	case KindUnconfirmed:
		return "unconfirmed"
	case KindInProgress:
		return "in progress"
	case KindRequestedIdentifierForExtensionTrie:
		return "requested identifier for extension trie"
	case KindNotOpened:
		return "not opened"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every operation in this
// package. It carries the Kind taxonomy plus optional bhh/ptr context for
// log lines and an optional wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Cause == nil {
		return e.Kind.String()
	}
	if e.Cause != nil {
		if e.Msg == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match against the package-level sentinel values below
// by Kind alone, ignoring Msg/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for errors.Is comparisons. Construct concrete instances
// with the Errorf-style helpers below to attach context.
var (
	ErrIO                                  = &Error{Kind: KindIO}
	ErrBackingStore                        = &Error{Kind: KindBackingStore}
	ErrBusy                                = &Error{Kind: KindBusy}
	ErrCorruption                          = &Error{Kind: KindCorruption}
	ErrNotFound                            = &Error{Kind: KindNotFound}
	ErrExists                              = &Error{Kind: KindExists}
	ErrReadOnly                            = &Error{Kind: KindReadOnly}
	ErrUnconfirmed                         = &Error{Kind: KindUnconfirmed}
	ErrInProgress                          = &Error{Kind: KindInProgress}
	ErrRequestedIdentifierForExtensionTrie = &Error{Kind: KindRequestedIdentifierForExtensionTrie}
	ErrNotOpened                           = &Error{Kind: KindNotOpened}
)

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func ioErrorf(format string, args ...any) *Error {
	return newErr(KindIO, fmt.Sprintf(format, args...), nil)
}

func backingStoreErrorf(cause error, format string, args ...any) *Error {
	return newErr(KindBackingStore, fmt.Sprintf(format, args...), cause)
}

func corruptionErrorf(format string, args ...any) *Error {
	return newErr(KindCorruption, fmt.Sprintf(format, args...), nil)
}

func notFoundErrorf(format string, args ...any) *Error {
	return newErr(KindNotFound, fmt.Sprintf(format, args...), nil)
}

func existsErrorf(format string, args ...any) *Error {
	return newErr(KindExists, fmt.Sprintf(format, args...), nil)
}
