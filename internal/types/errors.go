package types

// Error codes used in REST error bodies.
const (
	ErrCodeBadRequest   = "BUS_400"
	ErrCodeUnauthorized = "BUS_401"
	ErrCodeForbidden    = "BUS_403"
	ErrCodeNotFound     = "BUS_404"
	ErrCodeInternal     = "BUS_500"
	ErrCodeUnavailable  = "BUS_503"
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
// details can be a string, map or struct; nil omits it.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
