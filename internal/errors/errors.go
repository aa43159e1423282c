package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/reward-settlement/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed or inconsistent claim input (400)
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents signature and shared-secret failures (401)
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents missing records (404)
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents an in-flight reservation or failed conditional insert (409)
	CategoryConflict ErrorCategory = "conflict"
	// CategoryLiquidity represents a source balance below amount plus reserve (503)
	CategoryLiquidity ErrorCategory = "liquidity"
	// CategoryPending represents an unknown chain outcome the caller must poll (202)
	CategoryPending ErrorCategory = "pending"
	// CategoryChain represents chain submission or on-chain execution failures
	CategoryChain ErrorCategory = "chain"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Validation Errors (400)

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNothingToClaimError is returned when a wallet has no unclaimed rewards
func NewNothingToClaimError(wallet string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "NOTHING_TO_CLAIM",
		Message:    "no unclaimed rewards for wallet",
		Details: map[string]interface{}{
			"wallet": wallet,
		},
	}
}

// NewMixedClaimError rejects claims whose rows cannot share one transfer
func NewMixedClaimError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "MIXED_CLAIM",
		Message:    reason,
	}
}

// NewBelowMinimumError rejects claims under the dust floor
func NewBelowMinimumError(total, minimum uint64, asset types.RewardAssetType) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "BELOW_MINIMUM",
		Message:    fmt.Sprintf("claimable total %d is below minimum %d", total, minimum),
		Details: map[string]interface{}{
			"total":           total,
			"minimum":         minimum,
			"rewardAssetType": asset,
		},
	}
}

// NewTransactionMismatchError rejects a countersigned transaction that differs from the prepared one
func NewTransactionMismatchError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "TRANSACTION_MISMATCH",
		Message:    reason,
	}
}

// Authorization Errors (401)

// NewInvalidSignatureError creates a bad wallet signature error
func NewInvalidSignatureError(wallet string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "INVALID_SIGNATURE",
		Message:    "transaction is not signed by the claiming wallet",
		Details: map[string]interface{}{
			"wallet": wallet,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// Concurrency Errors (409)

// NewClaimInProgressError reports a fresh reservation blocking a new claim.
// Callers may retry once the reservation TTL has elapsed.
func NewClaimInProgressError(wallet string, txSig string) *CategorizedError {
	details := map[string]interface{}{
		"wallet": wallet,
	}
	if txSig != "" {
		details["txSig"] = txSig
	}
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CLAIM_IN_PROGRESS",
		Message:    "claim already in progress",
		Details:    details,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// Pending (202)

// NewConfirmationPendingError reports a broadcast whose outcome is unknown.
// The reservation is kept and the caller should poll the signature.
func NewConfirmationPendingError(txSig string, totalAmount uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPending,
		StatusCode: http.StatusAccepted,
		Code:       "CONFIRMATION_PENDING",
		Message:    "transaction submitted, confirmation pending",
		Details: map[string]interface{}{
			"txSig":       txSig,
			"totalAmount": totalAmount,
		},
	}
}

// Liquidity Errors (503)

// NewPoolInsufficientError reports a payout source that cannot cover a claim
func NewPoolInsufficientError(source string, balance, required uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLiquidity,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "POOL_TEMPORARILY_INSUFFICIENT",
		Message:    "reward pool temporarily insufficient, try again later",
		Details: map[string]interface{}{
			"source":   source,
			"balance":  balance,
			"required": required,
		},
	}
}

// Chain Errors

// NewOnChainFailureError reports a transaction that landed with an error
func NewOnChainFailureError(txSig string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryChain,
		StatusCode: http.StatusBadGateway,
		Code:       "ONCHAIN_FAILURE",
		Message:    "transaction failed on chain",
		Cause:      cause,
		Details: map[string]interface{}{
			"txSig": txSig,
		},
	}
}

// NewSubmissionError reports a transaction the RPC node refused
func NewSubmissionError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryChain,
		StatusCode: http.StatusBadGateway,
		Code:       "SUBMISSION_FAILED",
		Message:    "transaction submission failed",
		Cause:      cause,
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// NewConfigurationError aborts a request before any per-item work starts
func NewConfigurationError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "MISCONFIGURED",
		Message:    "service is not configured for settlement",
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	cat := &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
	switch err.Code {
	case "INVALID_ADDRESS", "INVALID_PARAMETER", "NOTHING_TO_CLAIM", "MIXED_CLAIM", "BELOW_MINIMUM", "TRANSACTION_MISMATCH":
		cat.Category, cat.StatusCode = CategoryValidation, http.StatusBadRequest
	case "INVALID_SIGNATURE", "UNAUTHORIZED":
		cat.Category, cat.StatusCode = CategoryAuthorization, http.StatusUnauthorized
	case "NOT_FOUND":
		cat.Category, cat.StatusCode = CategoryNotFound, http.StatusNotFound
	case "CLAIM_IN_PROGRESS", "CONFLICT":
		cat.Category, cat.StatusCode = CategoryConflict, http.StatusConflict
	case "CONFIRMATION_PENDING":
		cat.Category, cat.StatusCode = CategoryPending, http.StatusAccepted
	case "POOL_TEMPORARILY_INSUFFICIENT":
		cat.Category, cat.StatusCode = CategoryLiquidity, http.StatusServiceUnavailable
	}
	return cat
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable by the caller.
// Chain submission failures are never retryable here: a resubmission could double pay.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryDatabase, CategoryCache, CategoryConflict, CategoryLiquidity:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) {
		return false
	}
	return catErr.Category == category
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
