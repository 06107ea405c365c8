package utils

import (
	"encoding/json"
	"net/http"
	"time"

	"ms-fulfillment/internal/apperrors"
)

// APIResponse is the envelope every JSON endpoint answers with.
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type ErrorBody struct {
	Code      apperrors.Code `json:"code"`
	Message   string         `json:"message"`
	Field     string         `json:"field,omitempty"`
	Retryable bool           `json:"retryable"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorResponse renders err without leaking internal detail.
func ErrorResponse(message string, err error) APIResponse {
	code := apperrors.CodeOf(err)
	body := &ErrorBody{
		Code:      code,
		Message:   apperrors.PublicMessage(err),
		Retryable: apperrors.MetadataFor(code).Retryable,
	}
	if appErr, ok := apperrors.As(err); ok {
		body.Field = appErr.Field
	}
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     body,
		Timestamp: time.Now().UTC(),
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
