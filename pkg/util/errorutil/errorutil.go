package errorutil

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes shared by the API, the realtime gateway and the client.
const (
	CodeValidation         = "VALIDATION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeConflict           = "CONFLICT"
	CodeConversationClosed = "CONVERSATION_CLOSED"
	CodeUnavailable        = "UNAVAILABLE"
	CodeNotConnected       = "NOT_CONNECTED"
	CodeDeliveryFailed     = "DELIVERY_FAILED"
	CodeActionInProgress   = "ACTION_IN_PROGRESS"
	CodeInvalidState       = "INVALID_STATE"
	CodeInternal           = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

// NewConversationClosed reports an operation on a conversation that no longer accepts messages.
func NewConversationClosed(conversationID int64) error {
	return NewDomainError(CodeConversationClosed, "conversation is closed", http.StatusGone,
		map[string]any{"conversation_id": conversationID})
}

// NewUnavailable wraps a transient failure; the action is safe to retry.
func NewUnavailable(message string, err error) error {
	return &DomainError{
		Code:       CodeUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NewNotConnected reports a send attempted while the realtime channel is down.
func NewNotConnected() error {
	return NewDomainError(CodeNotConnected, "realtime connection is not established", http.StatusServiceUnavailable, nil)
}

// NewDeliveryFailed reports a send that was not acknowledged by the server.
func NewDeliveryFailed(message string, err error) error {
	return &DomainError{
		Code:       CodeDeliveryFailed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewActionInProgress rejects a user action issued while another one is pending.
func NewActionInProgress() error {
	return NewDomainError(CodeActionInProgress, "another action is in progress", http.StatusConflict, nil)
}

// NewInvalidState rejects an action that is not allowed from the current view state.
func NewInvalidState(message string) error {
	return NewDomainError(CodeInvalidState, message, http.StatusConflict, nil)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		if de, ok := NewNotFound("resource", nil).(*DomainError); ok {
			return de
		}
	}
	if IsNetworkFailure(err) {
		if de, ok := NewUnavailable("service temporarily unavailable", err).(*DomainError); ok {
			return de
		}
	}
	if de, ok := NewInternalError(err).(*DomainError); ok {
		return de
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	return ToDomainError(err)
}

// CodeOf returns the DomainError code carried by err, or "" when err is nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return ToDomainError(err).Code
}

func IsConflict(err error) bool           { return CodeOf(err) == CodeConflict }
func IsNotFound(err error) bool           { return CodeOf(err) == CodeNotFound }
func IsConversationClosed(err error) bool { return CodeOf(err) == CodeConversationClosed }
func IsUnauthorized(err error) bool       { return CodeOf(err) == CodeUnauthorized }

// Retryable reports whether repeating the failed action may succeed without
// user changes. Bare network failures count as UNAVAILABLE.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeNotConnected, CodeDeliveryFailed:
		return true
	}
	return false
}
