package models

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"-"`
}

func (e *AppError) Error() string { return e.Message }

// Error constructors.
var (
	ErrNotFound = func(msg string) *AppError {
		return &AppError{Code: "NOT_FOUND", Message: msg, Status: 404}
	}
	ErrBadRequest = func(msg string) *AppError {
		return &AppError{Code: "BAD_REQUEST", Message: msg, Status: 400}
	}
	ErrOutOfRange = func(msg string) *AppError {
		return &AppError{Code: "OUT_OF_RANGE", Message: msg, Status: 400}
	}
	ErrInvalidPayload = func(msg string) *AppError {
		return &AppError{Code: "INVALID_PAYLOAD", Message: msg, Status: 400}
	}
	ErrUnauthorized = &AppError{Code: "UNAUTHORIZED", Message: "authentication required", Status: 401}
	ErrForbidden    = func(msg string) *AppError {
		return &AppError{Code: "FORBIDDEN", Message: msg, Status: 403}
	}
	ErrConflict = func(msg string) *AppError {
		return &AppError{Code: "CONFLICT", Message: msg, Status: 409}
	}
	ErrInternal = func(msg string) *AppError {
		return &AppError{Code: "INTERNAL", Message: msg, Status: 500}
	}
	ErrProtocol = func(msg string) *AppError {
		return &AppError{Code: "PROTOCOL", Message: msg, Status: 502}
	}
	ErrTransport = func(msg string) *AppError {
		return &AppError{Code: "TRANSPORT", Message: msg, Status: 503}
	}
	ErrOffline = func(msg string) *AppError {
		return &AppError{Code: "OFFLINE", Message: msg, Status: 503}
	}
)
