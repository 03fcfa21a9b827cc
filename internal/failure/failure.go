// Package failure classifies errors raised while automating tasks into the
// retryable and non-retryable kinds the engine acts on.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

type Kind string

const (
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindAgentProtocol Kind = "agent_protocol"
	KindDependency    Kind = "dependency"
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindUnclassified  Kind = "unclassified"
)

// Retryable reports whether errors of this kind may be retried. Unclassified
// errors are retried optimistically.
func (k Kind) Retryable() bool {
	switch k {
	case KindDependency, KindConfiguration, KindValidation:
		return false
	}
	return true
}

// ParseKind maps a free-form kind name (as reported by an agent) onto a Kind.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindNetwork, KindTimeout, KindAgentProtocol, KindDependency, KindConfiguration, KindValidation:
		return Kind(s)
	}
	return KindUnclassified
}

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMigrationRequired      = errors.New("checkpoint format requires manual migration")
)

// Error carries an explicit kind and, when known, the offending task.
type Error struct {
	Kind Kind
	Task string
	Err  error
}

func (e *Error) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("%s error on task %s: %v", e.Kind, e.Task, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, task string, err error) *Error {
	return &Error{Kind: kind, Task: task, Err: err}
}

func Newf(kind Kind, task, format string, args ...any) *Error {
	return &Error{Kind: kind, Task: task, Err: fmt.Errorf(format, args...)}
}

func Network(err error) *Error       { return &Error{Kind: KindNetwork, Err: err} }
func Timeout(err error) *Error       { return &Error{Kind: KindTimeout, Err: err} }
func AgentProtocol(err error) *Error { return &Error{Kind: KindAgentProtocol, Err: err} }
func Dependency(err error) *Error    { return &Error{Kind: KindDependency, Err: err} }
func Configuration(err error) *Error { return &Error{Kind: KindConfiguration, Err: err} }
func Validation(err error) *Error    { return &Error{Kind: KindValidation, Err: err} }

// Classification is the result of Classify.
type Classification struct {
	Kind Kind
	// Classified is false when no rule matched and Kind fell back to
	// KindUnclassified.
	Classified bool
}

func (c Classification) Retryable() bool { return c.Kind.Retryable() }

func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" && fe.Kind != KindUnclassified {
		return Classification{Kind: fe.Kind, Classified: true}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindTimeout, Classified: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Kind: KindTimeout, Classified: true}
		}
		return Classification{Kind: KindNetwork, Classified: true}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Classification{Kind: KindNetwork, Classified: true}
	}
	return Classification{Kind: KindUnclassified}
}

// Is reports whether err was classified as kind.
func Is(err error, kind Kind) bool {
	return Classify(err).Kind == kind
}
