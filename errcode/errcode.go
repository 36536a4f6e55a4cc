package errcode

import (
	"errors"
	"fmt"
)

// ErrNilGormDB is returned by DAO methods when the passed database handle
// is nil.
var ErrNilGormDB = errors.New("nil gorm db client")

// APIError is an error that maps directly onto an HTTP response: the status
// code and the literal message sent to the client are both part of the
// contract and must not be rephrased.
type APIError struct {
	HTTPStatus int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// New returns an APIError with the given HTTP status and literal message.
func New(status int, message string) *APIError {
	return &APIError{HTTPStatus: status, Message: message}
}

var (
	ErrInvalidAmount = &APIError{
		HTTPStatus: 409,
		Message:    "Invalid order: amount cannot be nil and should be more than 0",
	}
	ErrDescriptionTooLong = &APIError{
		HTTPStatus: 409,
		Message:    "Invalid order: description should be shorter than 256 characters",
	}
	ErrOrderNotCancelable = &APIError{
		HTTPStatus: 409,
		Message:    "Order is not cancelable",
	}
	ErrGatewayInactive = &APIError{
		HTTPStatus: 503,
		Message:    "gateway is inactive",
	}
	ErrOrderNotFound = &APIError{
		HTTPStatus: 404,
		Message:    "Order not found",
	}
	ErrGatewayNotFound = &APIError{
		HTTPStatus: 404,
		Message:    "Gateway not found",
	}
	ErrThrottled = &APIError{
		HTTPStatus: 429,
		Message:    "Too many requests, please try again later",
	}
	ErrListenerExists = &APIError{
		HTTPStatus: 403,
		Message:    "someone is already listening to that order",
	}
	ErrOrderCompleted = &APIError{
		HTTPStatus: 403,
		Message:    "you cannot listen to this order because it is completed",
	}
	ErrDeprecatedOrderID = &APIError{
		HTTPStatus: 409,
		Message:    "Sorry, but order_id is no longer a valid param. Please use keychain_id instead and consult the documentation.",
	}
	ErrInvalidSignature = &APIError{
		HTTPStatus: 409,
		Message:    "X-Signature is invalid",
	}
)

// NewInvalidNonceError reports a replayed or malformed nonce. The offending
// value is part of the message so clients can see what was rejected.
func NewInvalidNonceError(nonce string) *APIError {
	return &APIError{
		HTTPStatus: 409,
		Message:    fmt.Sprintf("X-Nonce is invalid: %s", nonce),
	}
}

// AsAPIError extracts an APIError from err if there is one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
