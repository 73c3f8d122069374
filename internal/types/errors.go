package types

import "errors"

var (
	ErrDeviceExists          = errors.New("device already registered")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrUpdateInProgress      = errors.New("update already in progress for device")
	ErrUnsupportedAction     = errors.New("unsupported action type")
	ErrUnknownResponseStatus = errors.New("unknown response status")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
