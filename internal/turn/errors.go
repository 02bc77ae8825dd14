package turn

import (
	"errors"
	"fmt"

	"github.com/ent0n29/companion/internal/protocol"
)

// Class groups turn failures by who can act on them.
type Class string

const (
	// ClassInput is a malformed request. Nothing has been written yet.
	ClassInput Class = "input"
	// ClassPolicy is an utterance rejected by the safety guard.
	ClassPolicy Class = "policy"
	// ClassDependencySoft failures are absorbed and never reach the caller.
	ClassDependencySoft Class = "dependency_soft"
	// ClassDependencyHard failures end the turn with an error event.
	ClassDependencyHard Class = "dependency_hard"
	// ClassGeneration is a backend failure, reported after any tokens
	// already sent.
	ClassGeneration Class = "generation"
)

const (
	CodeInvalidRequest        = "invalid_request"
	CodeContentBlocked        = "content_blocked"
	CodeConversationBusy      = "conversation_busy"
	CodeConversationForbidden = "conversation_forbidden"
	CodeHistoryUnavailable    = "history_unavailable"
	CodeAssemblyFailed        = "assembly_failed"
	CodePersistenceFailed     = "persistence_failed"
	CodeGenerationFailed      = "generation_failed"
	CodeCancelled             = "turn_cancelled"
	CodeSynthesisFailed       = "synthesis_failed"
	CodeInternal              = "internal_error"
)

type Error struct {
	Class Class
	Code  string
	Err   error
}

func newError(class Class, code string, err error) *Error {
	return &Error{Class: class, Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeConversationBusy, CodeHistoryUnavailable, CodeAssemblyFailed,
		CodePersistenceFailed, CodeGenerationFailed:
		return true
	default:
		return false
	}
}

func (e *Error) source() string {
	switch e.Class {
	case ClassInput:
		return protocol.SourceInput
	case ClassPolicy:
		return protocol.SourcePolicy
	case ClassGeneration:
		return protocol.SourceGeneration
	default:
		return protocol.SourceDependency
	}
}

// Event renders e as the terminal error event of a turn.
func (e *Error) Event(turnID, convoID, detail string) protocol.Error {
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	return protocol.Error{
		Type:      protocol.TypeError,
		TurnID:    turnID,
		ConvoID:   convoID,
		Code:      e.Code,
		Source:    e.source(),
		Retryable: e.Retryable(),
		Detail:    detail,
	}
}

// AsError extracts a turn error from err, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return newError(ClassDependencyHard, CodeInternal, err)
}
