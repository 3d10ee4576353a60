// Package apperr provides the structured error taxonomy shared by the
// worktree, tmux and ttyd layers. Errors carry the failing operation, a
// category, a stable wire code, and the captured diagnostic text of the
// external command that failed.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Op describes an operation, usually as "package.Function".
type Op string

// Detail is the diagnostic text (usually captured stderr) attached to an error.
type Detail string

// Code is the stable machine-readable error code surfaced over HTTP.
type Code string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidName
	KindBackendUnavailable
	KindBackendMissing
	KindTimeout
	KindOperationFailed
	KindAuthenticationRequired
)

const (
	CodeUnknown                Code = "E_UNKNOWN"
	CodeNotFound               Code = "E_NOT_FOUND"
	CodeAlreadyExists          Code = "E_ALREADY_EXISTS"
	CodeInvalidName            Code = "E_INVALID_NAME"
	CodeBackendUnavailable     Code = "E_BACKEND_UNAVAILABLE"
	CodeBackendMissing         Code = "E_BACKEND_MISSING"
	CodeTimeout                Code = "E_TIMEOUT"
	CodeOperationFailed        Code = "E_OPERATION_FAILED"
	CodeAuthRequired           Code = "E_AUTH_REQUIRED"
	CodeCloneFailed            Code = "E_CLONE_FAILED"
	CodeWorktreeCreationFailed Code = "E_WORKTREE_CREATION_FAILED"
	CodeSessionCreationFailed  Code = "E_SESSION_CREATION_FAILED"
	CodeSwitchFailed           Code = "E_SWITCH_FAILED"
	CodeBackendStartFailed     Code = "E_BACKEND_START_FAILED"
	CodeBadRequest             Code = "E_BAD_REQUEST"
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindInvalidName:
		return "invalid name"
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindBackendMissing:
		return "backend missing"
	case KindTimeout:
		return "timeout"
	case KindOperationFailed:
		return "operation failed"
	case KindAuthenticationRequired:
		return "authentication required"
	default:
		return "unknown error"
	}
}

func (k Kind) defaultCode() Code {
	switch k {
	case KindNotFound:
		return CodeNotFound
	case KindAlreadyExists:
		return CodeAlreadyExists
	case KindInvalidName:
		return CodeInvalidName
	case KindBackendUnavailable:
		return CodeBackendUnavailable
	case KindBackendMissing:
		return CodeBackendMissing
	case KindTimeout:
		return CodeTimeout
	case KindOperationFailed:
		return CodeOperationFailed
	case KindAuthenticationRequired:
		return CodeAuthRequired
	default:
		return CodeUnknown
	}
}

// Error is the structured error type.
type Error struct {
	Op      Op
	Kind    Kind
	Code    Code
	Context string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
		b.WriteString(": ")
	}
	if e.Context != "" {
		b.WriteString(e.Context)
		if e.Err != nil {
			b.WriteString(": ")
		}
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if d := strings.TrimSpace(e.Detail); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error. Arguments can be an Op, Kind, Code, Detail, a string
// (context message) or an error (the wrapped cause).
func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case Code:
			e.Code = a
		case Detail:
			e.Detail = string(a)
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil && e.Context != "" {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	if e.Code == "" {
		e.Code = e.Kind.defaultCode()
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the Kind of an error, KindUnknown when err is not structured.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the wire code of an error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// DetailOf returns the attached diagnostic text, if any.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}

// Worktree and clone errors

func InvalidName(op Op, name, reason string) error {
	return E(op, KindInvalidName, fmt.Sprintf("invalid name %q: %s", name, reason))
}

func AlreadyExists(op Op, what string) error {
	return E(op, KindAlreadyExists, fmt.Sprintf("%s already exists", what))
}

func NotFound(op Op, what string) error {
	return E(op, KindNotFound, fmt.Sprintf("%s not found", what))
}

func CloneFailed(url, stderr string) error {
	return E(Op("worktree.Clone"), KindOperationFailed, CodeCloneFailed, Detail(stderr), fmt.Sprintf("git clone %s failed", url))
}

func WorktreeCreationFailed(op Op, branch, stderr string) error {
	return E(op, KindOperationFailed, CodeWorktreeCreationFailed, Detail(stderr), fmt.Sprintf("failed to create worktree for branch %s", branch))
}

// Multiplexer and backend errors

func BackendUnavailable(binary string) error {
	return E(Op("tmux.EnsureSession"), KindBackendUnavailable, fmt.Sprintf("%s is not installed or not in PATH", binary))
}

func BackendMissing(binary, hint string) error {
	msg := fmt.Sprintf("%s is not installed or not in PATH", binary)
	if hint != "" {
		msg += " (" + hint + ")"
	}
	return E(Op("ttyd.Start"), KindBackendMissing, msg)
}

func SessionCreationFailed(session, stderr string) error {
	return E(Op("tmux.EnsureSession"), KindOperationFailed, CodeSessionCreationFailed, Detail(stderr), fmt.Sprintf("failed to create tmux session %s", session))
}

func SwitchFailed(window, stderr string) error {
	return E(Op("tmux.SwitchToWindow"), KindOperationFailed, CodeSwitchFailed, Detail(stderr), fmt.Sprintf("failed to switch to window %s", window))
}

func BackendStartFailed(stderr string, err error) error {
	args := []any{Op("ttyd.Start"), KindOperationFailed, CodeBackendStartFailed, Detail(stderr), "ttyd exited during startup"}
	if err != nil {
		args = append(args, err)
	}
	return E(args...)
}

func Timeout(op Op, what string) error {
	return E(op, KindTimeout, fmt.Sprintf("%s timed out", what))
}

func AuthenticationRequired() error {
	return E(Op("auth.Check"), KindAuthenticationRequired, "Authentication required")
}
