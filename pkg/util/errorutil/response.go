package errorutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Envelope is the JSON error body rendered by the API.
type Envelope struct {
	Error *EnvelopeError `json:"error"`
}

// EnvelopeError is the inner error object of Envelope.
type EnvelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// FromResponse rebuilds a DomainError from an HTTP status and error body returned by the API.
func FromResponse(status int, body []byte) *DomainError {
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Code != "" {
		return &DomainError{
			Code:       env.Error.Code,
			Message:    env.Error.Message,
			HTTPStatus: status,
			Details:    env.Error.Details,
		}
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(status)
	}
	return &DomainError{
		Code:       CodeForStatus(status),
		Message:    fmt.Sprintf("unexpected status %d: %s", status, message),
		HTTPStatus: status,
	}
}

// CodeForStatus maps an HTTP status onto the closest error code.
func CodeForStatus(status int) string {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusGone:
		return CodeConversationClosed
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
