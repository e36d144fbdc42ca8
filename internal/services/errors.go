package services

import "errors"

type ErrorCode string

const (
	ErrorMissingIdentifier   ErrorCode = "missing_identifier"
	ErrorDuplicateIdentifier ErrorCode = "duplicate_identifier"
	ErrorStoreUnavailable    ErrorCode = "store_unavailable"
	ErrorCatalogLoadFailed   ErrorCode = "catalog_load_failed"
	ErrorCompletionFailed    ErrorCode = "completion_failed"
	ErrorEmptySubmission     ErrorCode = "empty_submission"

	ErrorInvalid              ErrorCode = "invalid"
	ErrorInvalidTransition    ErrorCode = "invalid_transition"
	ErrorConversationTooShort ErrorCode = "conversation_too_short"
	ErrorSessionCompleted     ErrorCode = "session_completed"
	ErrorNotFound             ErrorCode = "not_found"
	ErrorUnauthorized         ErrorCode = "unauthorized"
	ErrorTooManyRequests      ErrorCode = "too_many_requests"
	ErrorFeatureDisabled      ErrorCode = "feature_disabled"
)

// ServiceError carries a stable code the HTTP layer maps to a status.
// Err, when set, is the underlying cause and is reachable through errors.Unwrap.
type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

func NewInvalidError(msg string) error  { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}
func NewEmptySubmissionError(msg string) error {
	return &ServiceError{Code: ErrorEmptySubmission, Message: msg}
}
func NewTransitionError(msg string) error {
	return &ServiceError{Code: ErrorInvalidTransition, Message: msg}
}
func NewTooManyRequestsError(msg string) error {
	return &ServiceError{Code: ErrorTooManyRequests, Message: msg}
}

func NewStoreUnavailableError(msg string, err error) error {
	return &ServiceError{Code: ErrorStoreUnavailable, Message: msg, Err: err}
}

func NewCompletionFailedError(err error) error {
	return &ServiceError{Code: ErrorCompletionFailed, Message: "completion failed", Err: err}
}

func NewCatalogLoadError(msg string, err error) error {
	return &ServiceError{Code: ErrorCatalogLoadFailed, Message: msg, Err: err}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == code
}
