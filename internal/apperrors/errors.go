package apperrors

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lib/pq"
)

type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeGateway      Code = "GATEWAY_ERROR"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeInternal     Code = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:   {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed"},
	CodeUnauthorized: {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication failed"},
	CodeNotFound:     {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found"},
	CodeConflict:     {HTTPStatus: http.StatusConflict, PublicMessage: "conflict detected"},
	CodeGateway:      {HTTPStatus: http.StatusBadGateway, Retryable: true, PublicMessage: "payment gateway unavailable"},
	CodeRateLimited:  {HTTPStatus: http.StatusTooManyRequests, Retryable: true, PublicMessage: "too many requests"},
	CodeInternal:     {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "internal server error"},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is the application error carried from services to the HTTP layer.
type Error struct {
	Code    Code
	Message string
	Field   string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Retryable() bool {
	return MetadataFor(e.Code).Retryable
}

func Validation(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Field: field}
}

func NotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s %s not found", resource, id)
}

func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

func Gateway(err error, message string) *Error {
	return Wrap(CodeGateway, err, message)
}

func Internal(err error, message string) *Error {
	return Wrap(CodeInternal, err, message)
}

// As returns the application error in err's chain, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf reports the code of err, treating unknown errors as internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func HTTPStatus(err error) int {
	return MetadataFor(CodeOf(err)).HTTPStatus
}

// PublicMessage hides internal detail for codes that should not leak it.
func PublicMessage(err error) string {
	appErr, ok := As(err)
	if !ok || appErr.Code == CodeInternal {
		return MetadataFor(CodeInternal).PublicMessage
	}
	return appErr.Message
}

// IsNoRows reports a missing row from either database/sql or the bun scanner.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation detects a unique constraint failure on Postgres (23505)
// and on the sqlite driver used in tests.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return containsAny(err.Error(), "UNIQUE constraint failed", "duplicate key value")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
