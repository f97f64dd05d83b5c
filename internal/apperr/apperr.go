// Package apperr defines the closed error taxonomy surfaced to callers of the
// chat pipeline. Internal causes stay attached for logging but never leak into
// the caller-facing message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a taxonomy member. The string value is the wire error_code.
type Code string

const (
	CodeAuthentication       Code = "AUTHENTICATION_ERROR"
	CodeAuthorization        Code = "AUTHORIZATION_ERROR"
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeIntentAmbiguous      Code = "INTENT_AMBIGUOUS"
	CodeToolExecution        Code = "TOOL_EXECUTION_ERROR"
	CodeConfirmationExpired  Code = "CONFIRMATION_EXPIRED"
	CodeConfirmationResolved Code = "CONFIRMATION_ALREADY_RESOLVED"
	CodeCompletionService    Code = "COMPLETION_SERVICE_ERROR"
	CodeRateLimit            Code = "RATE_LIMIT_EXCEEDED"
	CodeContextRetrieval     Code = "CONTEXT_RETRIEVAL_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// defaultMessages are the short, actionable texts shown when a constructor
// is given no message of its own.
var defaultMessages = map[Code]string{
	CodeAuthentication:       "Authentication required. Please sign in again.",
	CodeAuthorization:        "You can only access your own tasks and conversations.",
	CodeValidation:           "The request is invalid. Please check your input and try again.",
	CodeIntentAmbiguous:      "Could you clarify what you would like to do?",
	CodeToolExecution:        "The task operation could not be completed. Please try again.",
	CodeConfirmationExpired:  "This confirmation has expired. Please repeat your request.",
	CodeConfirmationResolved: "This confirmation has already been handled.",
	CodeCompletionService:    "The assistant is temporarily unavailable. Please try again shortly.",
	CodeRateLimit:            "Too many messages. Please wait a moment before sending another.",
	CodeContextRetrieval:     "Your conversation could not be loaded right now. Please try again.",
	CodeNotFound:             "The requested item was not found.",
	CodeInternal:             "Something went wrong. Please try again.",
}

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Code    Code
	Message string
	// RetryAfter is set for rate-limit rejections.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// Retryable reports whether the caller may retry the same request later.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeCompletionService, CodeRateLimit, CodeContextRetrieval, CodeToolExecution:
		return true
	}
	return false
}

// New builds an Error. An empty message falls back to the code's default text.
func New(code Code, message string, cause error) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	return &Error{Code: code, Message: message, Err: cause}
}

// Sentinel returns a bare Error usable as an errors.Is target.
func Sentinel(code Code) *Error { return &Error{Code: code} }

func Authentication(cause error) *Error { return New(CodeAuthentication, "", cause) }

func Authorization(cause error) *Error { return New(CodeAuthorization, "", cause) }

func Validation(message string) *Error { return New(CodeValidation, message, nil) }

// IntentAmbiguous carries the clarifying question as its message.
func IntentAmbiguous(question string) *Error { return New(CodeIntentAmbiguous, question, nil) }

func ToolExecution(message string, cause error) *Error {
	return New(CodeToolExecution, message, cause)
}

func ConfirmationExpired() *Error { return New(CodeConfirmationExpired, "", nil) }

func ConfirmationAlreadyResolved(status string) *Error {
	msg := defaultMessages[CodeConfirmationResolved]
	if status != "" {
		msg = fmt.Sprintf("This confirmation was already %s.", status)
	}
	return New(CodeConfirmationResolved, msg, nil)
}

func CompletionService(cause error) *Error { return New(CodeCompletionService, "", cause) }

func RateLimit(retryAfter time.Duration) *Error {
	e := New(CodeRateLimit, "", nil)
	e.RetryAfter = retryAfter
	return e
}

func ContextRetrieval(cause error) *Error { return New(CodeContextRetrieval, "", cause) }

func NotFound(what string) *Error {
	msg := ""
	if what != "" {
		msg = what + " not found."
	}
	return New(CodeNotFound, msg, nil)
}

func Internal(cause error) *Error { return New(CodeInternal, "", cause) }

// As extracts the taxonomy error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns err's taxonomy code, CodeInternal for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Public returns the code and caller-safe message for err. Foreign errors
// collapse to a generic internal message so raw text is never exposed.
func Public(err error) (Code, string) {
	if e, ok := As(err); ok {
		msg := e.Message
		if msg == "" {
			msg = defaultMessages[e.Code]
		}
		return e.Code, msg
	}
	return CodeInternal, defaultMessages[CodeInternal]
}

// HTTPStatus maps a code to the transport status used by the gateway.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodeIntentAmbiguous:
		return http.StatusOK
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConfirmationExpired:
		return http.StatusGone
	case CodeConfirmationResolved:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeCompletionService:
		return http.StatusBadGateway
	case CodeContextRetrieval, CodeToolExecution:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
