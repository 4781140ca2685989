package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when the requested record doesn't exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed request payload or conversation. It is never retried and always maps
// to HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ServiceErrorKind classifies failures of the model runtime.
type ServiceErrorKind string

const (
	ServiceUnreachable    ServiceErrorKind = "unreachable"
	ServiceModelNotFound  ServiceErrorKind = "model_not_found"
	ServiceEmptyResponse  ServiceErrorKind = "empty_response"
	ServiceInvalidRequest ServiceErrorKind = "invalid_request"
	ServiceTimeout        ServiceErrorKind = "timeout"
	ServiceUpstream       ServiceErrorKind = "upstream"
)

// ServiceError reports that the model runtime couldn't produce a usable answer. Err holds the underlying
// cause for logging and must never be shown to clients; use UserMessage instead.
type ServiceError struct {
	Kind ServiceErrorKind
	Err  error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("model service %s", e.Kind)
	}
	return fmt.Sprintf("model service %s: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same call may succeed.
func (e *ServiceError) Transient() bool {
	switch e.Kind {
	case ServiceUnreachable, ServiceEmptyResponse, ServiceUpstream:
		return true
	default:
		return false
	}
}

// UserMessage returns a sanitized, actionable description of the failure.
func (e *ServiceError) UserMessage() string {
	switch e.Kind {
	case ServiceUnreachable:
		return "The language model service is not reachable. Make sure it is running and try again."
	case ServiceModelNotFound:
		return "The configured model is not installed. Pull the model and try again."
	case ServiceEmptyResponse:
		return "The language model returned an empty response. Please try again."
	case ServiceInvalidRequest:
		return "The conversation could not be processed by the language model."
	case ServiceTimeout:
		return "The language model took too long to respond. Please try again shortly."
	default:
		return "The language model service is temporarily unavailable. Please try again."
	}
}

// UserMessage returns text that is safe to show to a client for err.
func UserMessage(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	var serr *ServiceError
	if errors.As(err, &serr) {
		return serr.UserMessage()
	}
	return "An error occurred while processing your request."
}
