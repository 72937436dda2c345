package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Parameter names the offending value of a validation failure.
type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ValidationError is a configuration or input error. It maps to 422.
type ValidationError struct {
	Message    string      `json:"message"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// NewValidationError creates a validation error naming a single value.
func NewValidationError(message, key, value string) *ValidationError {
	return &ValidationError{
		Message:    message,
		Parameters: []Parameter{{Key: key, Value: value}},
	}
}

func (e *ValidationError) Error() string {
	if len(e.Parameters) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Parameters))
	for _, p := range e.Parameters {
		parts = append(parts, p.Key+"="+p.Value)
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, ", "))
}

// RuleParseError locates a syntax error in rule table text.
type RuleParseError struct {
	Message string `json:"message"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
}

func (e *RuleParseError) Error() string {
	return fmt.Sprintf("%s at line %d, column %d", e.Message, e.Line, e.Column)
}

// ServerError is an internal failure: a transport error or a server-side
// configuration defect. It maps to 500.
type ServerError struct {
	Reason string
	Err    error
}

// NewServerError wraps err with a reason.
func NewServerError(reason string, err error) *ServerError {
	return &ServerError{Reason: reason, Err: err}
}

func (e *ServerError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// ForwardedError carries a failed response from a sibling service as-is.
type ForwardedError struct {
	StatusCode  int
	ContentType string
	Body        string
}

func (e *ForwardedError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// StatusCode maps an error to the HTTP status the API responds with.
func StatusCode(err error) int {
	var (
		validation *ValidationError
		parse      *RuleParseError
		forwarded  *ForwardedError
		server     *ServerError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation), errors.As(err, &parse):
		return http.StatusUnprocessableEntity
	case errors.As(err, &server):
		return http.StatusInternalServerError
	case errors.As(err, &forwarded):
		return forwarded.StatusCode
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel errors shared by repositories and clients.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)
