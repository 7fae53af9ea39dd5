package proxy

import (
	"strconv"
	"strings"
)

// Kind categorizes a proxy error.
type Kind string

const (
	// KindInitialization covers script load, resource and boot failures.
	KindInitialization Kind = "initialization"
	// KindTransport covers failed post and dispose bridge calls.
	KindTransport Kind = "transport"
	// KindState covers operations issued in the wrong lifecycle state.
	KindState Kind = "state"
)

// Phase indicates which step of the worker lifecycle failed.
type Phase string

const (
	PhaseLoad      Phase = "load"      // bootstrap script
	PhaseResources Phase = "resources" // embedded resources
	PhaseBoot      Phase = "boot"      // initWorker bridge call
	PhasePost      Phase = "post"      // postMessage bridge call
	PhaseDispose   Phase = "dispose"   // disposeWorker bridge call
	PhaseCallback  Phase = "callback"  // inbound dispatch
	PhaseRegistry  Phase = "registry"  // registry lifecycle
)

// Error is the error type returned by WorkerProxy operations.
type Error struct {
	Cause    error
	Kind     Kind
	Phase    Phase
	Op       string
	Detail   string
	WorkerID int64
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString("worker")
	if e.WorkerID != 0 {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(e.WorkerID, 10))
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))

	if e.Phase != "" {
		b.WriteString(" at ")
		b.WriteString(string(e.Phase))
	}
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteByte(')')
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Kind always has to match; Detail only when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Detail == "" || t.Detail == e.Detail
}

// Sentinel errors for use with errors.Is.
var (
	ErrInitialization = &Error{Kind: KindInitialization}
	ErrTransport      = &Error{Kind: KindTransport}

	ErrNotReady           = &Error{Kind: KindState, Detail: "worker is not initialized"}
	ErrDisposed           = &Error{Kind: KindState, Detail: "worker is disposed"}
	ErrAlreadyInitialized = &Error{Kind: KindState, Detail: "worker is already initialized"}
	ErrInitInProgress     = &Error{Kind: KindState, Detail: "worker initialization in progress"}
	ErrDisposeInProgress  = &Error{Kind: KindState, Detail: "worker disposal in progress"}
	ErrRegistryClosed     = &Error{Kind: KindState, Detail: "registry is closed"}

	ErrUnknownMethod = &Error{Kind: KindTransport, Detail: "unknown callback method"}
	ErrUnknownWorker = &Error{Kind: KindTransport, Detail: "unknown worker"}
	ErrCallbackTaken = &Error{Kind: KindTransport, Detail: "callback already registered"}
)

func stateError(id int64, op string, sentinel *Error) *Error {
	return &Error{Kind: KindState, WorkerID: id, Op: op, Detail: sentinel.Detail}
}

func initError(id int64, phase Phase, cause error) *Error {
	return &Error{Kind: KindInitialization, WorkerID: id, Phase: phase, Op: OpInitWorker, Cause: cause}
}

func transportError(id int64, phase Phase, op string, cause error) *Error {
	return &Error{Kind: KindTransport, WorkerID: id, Phase: phase, Op: op, Cause: cause}
}
