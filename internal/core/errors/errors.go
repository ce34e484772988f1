package errors

const (
	HttpInternalError        = "internal_error"
	HttpInvalidArgumentError = "invalid_argument"
	HttpRunSkippedError      = "run_skipped"
	HttpNotFoundError        = "not_found"
)

// ErrorResponse is the error response body for job-trigger and query errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
