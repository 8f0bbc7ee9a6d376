// Package craneerr defines the tagged error taxonomy shared by every
// Agent and Supervisor component, so a failure can be reported to CTLD
// as a structured status-change reason instead of a bare string.
package craneerr

import "fmt"

// Kind is one of the fixed error categories a job or task failure is
// classified into before it crosses a process or RPC boundary.
type Kind string

const (
	KindCgroupError       Kind = "CgroupError"
	KindSystemErr         Kind = "SystemErr"
	KindProtobufError     Kind = "ProtobufError"
	KindPermissionDenied  Kind = "PermissionDenied"
	KindFileNotFound      Kind = "FileNotFound"
	KindSpawnProcessFail  Kind = "SpawnProcessFail"
	KindExceedTimeLimit   Kind = "ExceedTimeLimit"
	KindNonExistent       Kind = "NonExistent"
	KindGenericFailure    Kind = "GenericFailure"
)

// Error pairs a Kind with the underlying cause. It never crosses a
// goroutine boundary as a panic; it is always returned as a value.
type Error struct {
	Kind Kind
	Err  error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err if it is (or wraps) a *Error,
// otherwise it returns KindGenericFailure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	for {
		if e, ok := err.(*Error); ok {
			ce = e
			break
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
		if err == nil {
			break
		}
	}
	if ce != nil {
		return ce.Kind
	}
	return KindGenericFailure
}
