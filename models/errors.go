package models

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the dispatcher and the reconciler
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthenticationRequired
	KindUpstreamUnavailable
	KindUpstreamError
	KindEmptyResponse
	KindMalformedStream
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticationRequired:
		return "authentication_required"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamError:
		return "upstream_error"
	case KindEmptyResponse:
		return "empty_response"
	case KindMalformedStream:
		return "malformed_stream"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error is the typed error returned across package boundaries.
// Two errors match under errors.Is when their kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// NewError builds a typed error
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired}
	ErrUpstreamUnavailable    = &Error{Kind: KindUpstreamUnavailable}
	ErrUpstreamError          = &Error{Kind: KindUpstreamError}
	ErrEmptyResponse          = &Error{Kind: KindEmptyResponse}
	ErrMalformedStream        = &Error{Kind: KindMalformedStream}
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest}
)

// KindOf returns the kind of the first typed error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// User-facing texts
const (
	MessageSignIn       = "Please sign in to continue."
	MessageTryAgain     = "The research service is unavailable right now. Please try again."
	MessageGeneric      = "Sorry, I encountered an error while processing your request. Please try again."
	MessageCancelled    = "The request was cancelled."
	MessageEmptyRequest = "Please enter a message."
)

// UserMessage renders err as text that is safe to show to an end user.
// Only upstream-reported messages are passed through verbatim.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return MessageCancelled
	}
	var e *Error
	if !errors.As(err, &e) {
		return MessageGeneric
	}
	switch e.Kind {
	case KindAuthenticationRequired:
		return MessageSignIn
	case KindUpstreamUnavailable:
		return MessageTryAgain
	case KindUpstreamError:
		if e.Message != "" {
			return e.Message
		}
		return MessageGeneric
	case KindInvalidRequest:
		return MessageEmptyRequest
	default:
		return MessageGeneric
	}
}
