// Package apperrors classifies failures by how a participant should react to
// them.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the recovery class of an error.
type Kind int

const (
	// KindConflict is a lost coordination race. Retry or treat as handled;
	// never shown to the user.
	KindConflict Kind = iota
	// KindMissingState means a prerequisite record is not written yet. Keep
	// watching.
	KindMissingState
	// KindResource is a media or device acquisition failure. Fatal to call
	// setup.
	KindResource
	// KindLink is a peer connection failure, shown as status text.
	KindLink
	// KindStoreUnreachable is a failed connectivity probe, shown as a
	// dismissible advisory.
	KindStoreUnreachable
	// KindOracle is a scoring failure, shown with a retry affordance.
	KindOracle
	// KindTerminal refuses an operation on a finished match.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindMissingState:
		return "missing_state"
	case KindResource:
		return "resource"
	case KindLink:
		return "link"
	case KindStoreUnreachable:
		return "store_unreachable"
	case KindOracle:
		return "oracle"
	case KindTerminal:
		return "terminal"
	}
	return "unknown"
}

// AppError is a classified error with an optional user-facing message.
type AppError struct {
	Kind    Kind
	Code    string
	Message string
	UserMsg string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// UserMessage returns the text to show the participant.
func (e *AppError) UserMessage() string {
	if e.UserMsg != "" {
		return e.UserMsg
	}
	return e.Message
}

// Silent reports whether the error must not be surfaced to the user.
func (e *AppError) Silent() bool {
	return e.Kind == KindConflict || e.Kind == KindMissingState
}

func NewConflict(code, message string, err error) *AppError {
	return &AppError{Kind: KindConflict, Code: code, Message: message, Err: err}
}

func NewMissingState(code, message string) *AppError {
	return &AppError{Kind: KindMissingState, Code: code, Message: message}
}

func NewResource(code, message string, err error) *AppError {
	return &AppError{
		Kind:    KindResource,
		Code:    code,
		Message: message,
		UserMsg: "Could not access your microphone. Check that it is connected and that permission is granted, then rejoin.",
		Err:     err,
	}
}

func NewLink(code, message string, err error) *AppError {
	return &AppError{Kind: KindLink, Code: code, Message: message, Err: err}
}

func NewStoreUnreachable(err error) *AppError {
	return &AppError{
		Kind:    KindStoreUnreachable,
		Code:    "STORE_UNREACHABLE",
		Message: "record store probe failed",
		UserMsg: "We could not reach the match database. Your network may be blocking it; matchmaking will keep trying.",
		Err:     err,
	}
}

func NewOracle(code, message string, err error) *AppError {
	return &AppError{
		Kind:    KindOracle,
		Code:    code,
		Message: message,
		UserMsg: "Judging failed. Please try again.",
		Err:     err,
	}
}

func NewTerminal(code, userMsg string) *AppError {
	return &AppError{Kind: KindTerminal, Code: code, Message: userMsg, UserMsg: userMsg}
}

// KindOf returns the kind of the first AppError in err's chain.
func KindOf(err error) (Kind, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

// Is reports whether err carries an AppError of kind k.
func Is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
