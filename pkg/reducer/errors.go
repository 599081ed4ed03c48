package reducer

import "fmt"

// Code identifies a reducer error kind. Codes are wire-stable: they appear
// verbatim in ReducerResult error frames.
type Code string

// Error codes, grouped by taxonomy kind.
const (
	// Authorization
	CodeUnauthorized Code = "Unauthorized"
	CodeClaimExpired Code = "ClaimExpired"

	// Validation
	CodeInvalidRequest Code = "InvalidRequest"
	CodeUnknownReducer Code = "UnknownReducer"
	CodeUnknownStream  Code = "UnknownStream"

	// Conflict
	CodeNotFound               Code = "NotFound"
	CodeIllegalTransition      Code = "IllegalTransition"
	CodeConflictingIdempotency Code = "ConflictingIdempotency"

	// Capacity
	CodeThrottled       Code = "Throttled"
	CodeBudgetExhausted Code = "BudgetExhausted"

	// Consistency
	CodeStaleCursor Code = "StaleCursor"

	// Fatal
	CodeInternal Code = "Internal"
)

// Error is a typed reducer error. All reducer failures abort the transaction
// and surface as exactly one of these; no partial effects leak.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a typed reducer error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a typed reducer error, wrapping anything else as Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if re, ok := err.(*Error); ok {
		return re
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
