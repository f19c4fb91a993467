package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidCredentials = &AppError{http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password"}
	ErrInvalidWorkerKey = &AppError{http.StatusUnauthorized, "INVALID_WORKER_KEY", "Worker API key is missing or invalid"}
	ErrInvalidSignature = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Request signature is invalid or expired"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInsufficientFunds = &AppError{http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "Insufficient funds"}
	ErrAccountNotFound   = &AppError{http.StatusUnprocessableEntity, "ACCOUNT_NOT_FOUND", "Account not found"}
	ErrUnknownGift       = &AppError{http.StatusUnprocessableEntity, "UNKNOWN_GIFT", "Unknown gift type"}
	ErrPriceMismatch     = &AppError{http.StatusUnprocessableEntity, "PRICE_MISMATCH", "Claimed cost does not match the current price"}
	ErrInvalidQuantity   = &AppError{http.StatusBadRequest, "INVALID_QUANTITY", "Quantity must be between 1 and 100"}
	ErrNoDeliveryRoom    = &AppError{http.StatusUnprocessableEntity, "NO_DELIVERY_ROOM", "Account has no delivery room configured"}
	ErrAlreadyPending    = &AppError{http.StatusConflict, "EXCHANGE_ALREADY_PENDING", "An exchange is already in flight for this account"}
	ErrDuplicateRequest  = &AppError{http.StatusConflict, "DUPLICATE_REQUEST", "Idempotency key already used"}
	ErrMissingIdemKey    = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency key is required"}
	ErrExchangeBusy      = &AppError{http.StatusTooManyRequests, "EXCHANGE_BUSY", "Another exchange for this account is in progress, please retry"}
	ErrTaskNotFound      = &AppError{http.StatusNotFound, "TASK_NOT_FOUND", "Exchange task not found"}
	ErrSystemBusy        = &AppError{http.StatusServiceUnavailable, "SYSTEM_BUSY", "System is busy, please retry shortly"}
)
