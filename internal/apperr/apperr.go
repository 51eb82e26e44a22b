// Package apperr defines the typed errors returned by every public ledger
// operation. Each error carries a stable Code that callers (HTTP layer,
// admin CLI) switch on; the message is for humans only.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeNotFound              Code = "not_found"
	CodeMarketNotFound        Code = "market_not_found"
	CodeMarketClosed          Code = "market_closed"
	CodeRequestNotFound       Code = "request_not_found"
	CodeInvalidOutcome        Code = "invalid_outcome"
	CodeNonPositiveQuantity   Code = "non_positive_quantity"
	CodeInvalidRequest        Code = "invalid_request"
	CodeOfferTooLow           Code = "offer_too_low"
	CodeMissingPaymentProof   Code = "missing_payment_proof"
	CodeUnauthorized          Code = "unauthorized"
	CodeInsufficientQuantity  Code = "insufficient_quantity"
	CodeMinPriceAboveMarket   Code = "min_price_above_market"
	CodeAlreadyProcessed      Code = "already_processed"
	CodeMissingSignature      Code = "missing_signature"
	CodeInvalidSignature      Code = "invalid_signature"
	CodePriceBelowFloor       Code = "price_below_floor"
	CodePositionLimitExceeded Code = "position_limit_exceeded"
	CodeConsistency           Code = "consistency"
	CodeInternal              Code = "internal"
)

// Error is a ledger error with a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, apperr.ErrNotFound)
// works for errors built with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrMarketNotFound        = &Error{Code: CodeMarketNotFound, Message: "market not found"}
	ErrMarketClosed          = &Error{Code: CodeMarketClosed, Message: "market is not open for trading"}
	ErrRequestNotFound       = &Error{Code: CodeRequestNotFound, Message: "sell request not found"}
	ErrInvalidOutcome        = &Error{Code: CodeInvalidOutcome, Message: "outcome must be yes or no"}
	ErrNonPositiveQuantity   = &Error{Code: CodeNonPositiveQuantity, Message: "quantity must be positive"}
	ErrInvalidRequest        = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrOfferTooLow           = &Error{Code: CodeOfferTooLow, Message: "offer price below current price"}
	ErrMissingPaymentProof   = &Error{Code: CodeMissingPaymentProof, Message: "payment reference is required"}
	ErrUnauthorized          = &Error{Code: CodeUnauthorized, Message: "position does not belong to user"}
	ErrInsufficientQuantity  = &Error{Code: CodeInsufficientQuantity, Message: "insufficient quantity"}
	ErrMinPriceAboveMarket   = &Error{Code: CodeMinPriceAboveMarket, Message: "min price above current price"}
	ErrAlreadyProcessed      = &Error{Code: CodeAlreadyProcessed, Message: "request already processed"}
	ErrMissingSignature      = &Error{Code: CodeMissingSignature, Message: "approver signature is required"}
	ErrInvalidSignature      = &Error{Code: CodeInvalidSignature, Message: "approver signature rejected"}
	ErrPriceBelowFloor       = &Error{Code: CodePriceBelowFloor, Message: "current price below seller floor"}
	ErrPositionLimitExceeded = &Error{Code: CodePositionLimitExceeded, Message: "position limit exceeded"}
	ErrConsistency           = &Error{Code: CodeConsistency, Message: "ledger invariant violated"}
	ErrInternal              = &Error{Code: CodeInternal, Message: "internal error"}
)

// New builds an error with the given code and a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the human message of err without the code prefix.
// Foreign errors are not exposed.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}

// HTTPStatus maps an error code to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound, CodeMarketNotFound, CodeRequestNotFound:
		return http.StatusNotFound
	case CodeInvalidOutcome, CodeNonPositiveQuantity, CodeInvalidRequest,
		CodeMissingPaymentProof, CodeMissingSignature:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeInvalidSignature:
		return http.StatusForbidden
	case CodeMarketClosed, CodeOfferTooLow, CodeInsufficientQuantity,
		CodeMinPriceAboveMarket, CodeAlreadyProcessed, CodePriceBelowFloor,
		CodePositionLimitExceeded:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
