package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	ErrCodeUnknown  = "ERR_UNKNOWN"
	ErrCodeInternal = "ERR_INTERNAL"
)

// Input error codes
const (
	// ErrCodeValidation is used when a request body fails field validation
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidInput is used for invalid input data
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
	// ErrCodeRequestTooLarge is used when the body exceeds the size limit
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
	// ErrCodeRateLimited is used when a client exceeds its request budget
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// Resource error codes
const (
	ErrCodeNotFound      = "ERR_NOT_FOUND"
	ErrCodeAlreadyExists = "ERR_ALREADY_EXISTS"
	ErrCodeConflict      = "ERR_CONFLICT"
	ErrCodeInvalidState  = "ERR_INVALID_STATE"
)

// Numbering error codes. ErrCodeAllocationConflict is returned when a
// namespace stays contended after every allocation retry.
const (
	ErrCodeAllocationConflict = "ERR_ALLOCATION_CONFLICT"
	ErrCodeDecodeFailure      = "ERR_DECODE_FAILURE"
	ErrCodePreconditionFailed = "ERR_PRECONDITION_FAILED"
	ErrCodeRepairFailed       = "ERR_REPAIR_FAILED"
	ErrCodeTransactionAborted = "ERR_TRANSACTION_ABORTED"
	ErrCodeRepairCancelled    = "ERR_REPAIR_CANCELLED"
	ErrCodeLockUnavailable    = "ERR_LOCK_UNAVAILABLE"
	ErrCodeVerificationFailed = "ERR_VERIFICATION_FAILED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes.
// An unresolvable public hash answers 404, the same as a missing document.
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:   http.StatusBadRequest,
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeInvalidJSON:  http.StatusBadRequest,

	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,
	ErrCodeRateLimited:     http.StatusTooManyRequests,

	ErrCodeNotFound:      http.StatusNotFound,
	ErrCodeAlreadyExists: http.StatusConflict,
	ErrCodeConflict:      http.StatusConflict,
	ErrCodeInvalidState:  http.StatusUnprocessableEntity,

	ErrCodeAllocationConflict: http.StatusConflict,
	ErrCodeDecodeFailure:      http.StatusNotFound,
	ErrCodePreconditionFailed: http.StatusPreconditionFailed,
	ErrCodeRepairFailed:       http.StatusUnprocessableEntity,
	ErrCodeTransactionAborted: http.StatusConflict,
	ErrCodeRepairCancelled:    http.StatusConflict,
	ErrCodeLockUnavailable:    http.StatusLocked,
	ErrCodeVerificationFailed: http.StatusInternalServerError,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to API error codes
var DomainErrorCodeMapping = map[string]string{
	"NOT_FOUND":            ErrCodeNotFound,
	"ALREADY_EXISTS":       ErrCodeAlreadyExists,
	"INVALID_INPUT":        ErrCodeInvalidInput,
	"INVALID_STATE":        ErrCodeInvalidState,
	"CONCURRENCY_CONFLICT": ErrCodeConflict,
	"ALLOCATION_CONFLICT":  ErrCodeAllocationConflict,
	"DECODE_FAILURE":       ErrCodeDecodeFailure,
	"PRECONDITION_FAILED":  ErrCodePreconditionFailed,
	"REPAIR_FAILED":        ErrCodeRepairFailed,
	"TRANSACTION_ABORTED":  ErrCodeTransactionAborted,
	"REPAIR_CANCELLED":     ErrCodeRepairCancelled,
	"LOCK_UNAVAILABLE":     ErrCodeLockUnavailable,
	"VERIFICATION_FAILED":  ErrCodeVerificationFailed,
	"VALIDATION_ERROR":     ErrCodeValidation,
	"BAD_REQUEST":          ErrCodeBadRequest,
	"RATE_LIMITED":         ErrCodeRateLimited,
	"INTERNAL_ERROR":       ErrCodeInternal,
}

// NormalizeErrorCode converts a domain error code to the API format.
// Codes already in the API format, or unknown ones, are returned as-is.
func NormalizeErrorCode(code string) string {
	if apiCode, ok := DomainErrorCodeMapping[code]; ok {
		return apiCode
	}
	return code
}
