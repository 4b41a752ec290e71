package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable classification attached to every failure
// surfaced by the payment core.
type Kind string

const (
	InvalidAmount             Kind = "INVALID_AMOUNT"
	VoucherNotFound           Kind = "VOUCHER_NOT_FOUND"
	VoucherExpired            Kind = "VOUCHER_EXPIRED"
	VoucherAlreadyRedeemed    Kind = "VOUCHER_ALREADY_REDEEMED"
	VoucherRevoked            Kind = "VOUCHER_REVOKED"
	Forbidden                 Kind = "FORBIDDEN"
	InsufficientBalance       Kind = "INSUFFICIENT_BALANCE"
	StepUpRequired            Kind = "STEP_UP_REQUIRED"
	ConcurrentCaptureConflict Kind = "CONCURRENT_CAPTURE_CONFLICT"
	StorageUnavailable        Kind = "STORAGE_UNAVAILABLE"
)

// Error pairs a Kind with a human-readable message. The wrapped cause, if
// any, is preserved for logs but never sent to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the client-safe message for err, falling back to a
// generic one for unclassified errors.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}

// HTTPStatus maps a failure kind to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidAmount:
		return http.StatusBadRequest
	case VoucherNotFound:
		return http.StatusNotFound
	case VoucherExpired, VoucherRevoked:
		return http.StatusGone
	case VoucherAlreadyRedeemed, ConcurrentCaptureConflict:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	case InsufficientBalance:
		return http.StatusBadRequest
	case StepUpRequired:
		return http.StatusTooManyRequests
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
