package shared

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound            = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists       = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput        = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrConcurrencyConflict = NewDomainError("CONCURRENCY_CONFLICT", "Resource was modified by another process")
	ErrInvalidState        = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
)

// Numbering errors. Only ErrAllocationConflict is ever surfaced to document
// creators; the rest belong to audit and repair.
var (
	ErrAllocationConflict = NewDomainError("ALLOCATION_CONFLICT", "Sequence namespace is persistently contended")
	ErrDecodeFailure      = NewDomainError("DECODE_FAILURE", "Hash does not decode to its owning document")
	ErrPreconditionFailed = NewDomainError("PRECONDITION_FAILED", "Repair precondition not met")
	ErrRepairFailed       = NewDomainError("REPAIR_FAILED", "Record could not be repaired")
	ErrTransactionAborted = NewDomainError("TRANSACTION_ABORTED", "Repair transaction rolled back")
	ErrRepairCancelled    = NewDomainError("REPAIR_CANCELLED", "Repair cancelled by operator")
	ErrLockUnavailable    = NewDomainError("LOCK_UNAVAILABLE", "Namespace is locked by another repair")
	ErrVerificationFailed = NewDomainError("VERIFICATION_FAILED", "Persisted state failed verification")
)
