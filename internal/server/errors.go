package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/market-chat/internal/abuse"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/identity"
)

type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindRateLimited  ErrorKind = "rate_limited"
	KindInternal     ErrorKind = "internal"
)

const genericErrorMessage = "Something went wrong. Please try again."

// EventError is returned by event handlers and turned into an error event
// for the socket that sent the event.
type EventError struct {
	Kind    ErrorKind
	Message string
	// Type overrides Kind as the machine-readable type sent to the client.
	Type     string
	Cooldown time.Duration
	Err      error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func (e *EventError) payload() ErrorPayload {
	p := ErrorPayload{
		Message:  e.Message,
		Type:     e.Type,
		Cooldown: e.Cooldown.Milliseconds(),
	}
	if p.Type == "" {
		p.Type = string(e.Kind)
	}
	return p
}

func errUnauthorized(msg string) *EventError {
	return &EventError{Kind: KindUnauthorized, Message: msg}
}

func errNotFound(msg string) *EventError {
	return &EventError{Kind: KindNotFound, Message: msg}
}

func errValidation(format string, args ...any) *EventError {
	return &EventError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func errRejected(d abuse.Decision) *EventError {
	return &EventError{
		Kind:     KindRateLimited,
		Message:  d.Message,
		Type:     string(d.Reason),
		Cooldown: d.Cooldown,
	}
}

// toEventError classifies any handler error. Errors that are not already
// classified are internal and their detail is not exposed.
func toEventError(err error) *EventError {
	var ee *EventError
	if errors.As(err, &ee) {
		return ee
	}
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, identity.ErrNotFound),
		errors.Is(err, abuse.ErrViolationNotFound):
		return &EventError{Kind: KindNotFound, Message: "The requested resource was not found.", Err: err}
	case errors.Is(err, database.ErrInvalidInput):
		return &EventError{Kind: KindValidation, Message: "The request is invalid.", Err: err}
	}
	return &EventError{Kind: KindInternal, Message: genericErrorMessage, Err: err}
}
