package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput         = "PAYHOOKS_BAD_INPUT"
	ErrorInvalidSignature = "PAYHOOKS_INVALID_SIGNATURE"
	ErrorStoreUnavailable = "PAYHOOKS_STORE_UNAVAILABLE"
	ErrorTransient        = "PAYHOOKS_TRANSIENT"
	ErrorBusinessRejected = "PAYHOOKS_BUSINESS_REJECTED"
	ErrorClaimLost        = "PAYHOOKS_CLAIM_LOST"
	ErrorHandlerTimeout   = "PAYHOOKS_HANDLER_TIMEOUT"
	ErrorHandlerFailed    = "PAYHOOKS_HANDLER_FAILED"
	ErrorNotFound         = "PAYHOOKS_NOT_FOUND"
	ErrorConflict         = "PAYHOOKS_CONFLICT"
	ErrorAlertDelivery    = "PAYHOOKS_ALERT_DELIVERY_FAILED"
	ErrorInternal         = "PAYHOOKS_INTERNAL_ERROR"
)

func NewError(message string, category goerrors.Category, textCode string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err = err.WithMetadata(copyAnyMap(metadata))
	}
	return err
}

func WrapError(source error, category goerrors.Category, textCode string, message string, metadata map[string]any) error {
	if source == nil {
		return nil
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err = err.WithMetadata(copyAnyMap(metadata))
	}
	return err
}

func BadInputError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryBadInput, ErrorBadInput, metadata)
}

func WrapBadInput(source error, message string, metadata map[string]any) error {
	return WrapError(source, goerrors.CategoryBadInput, ErrorBadInput, message, metadata)
}

func InvalidSignatureError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryAuth, ErrorInvalidSignature, metadata)
}

// StoreUnavailableError marks a storage failure the caller should retry.
func StoreUnavailableError(source error, message string, metadata map[string]any) error {
	if source == nil {
		return nil
	}
	err := goerrors.Wrap(source, goerrors.CategoryOperation, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(ErrorStoreUnavailable)
	if len(metadata) > 0 {
		err = err.WithMetadata(copyAnyMap(metadata))
	}
	return err
}

// TransientError marks a collaborator failure as safe to retry later.
func TransientError(source error, message string) error {
	if source == nil {
		return nil
	}
	return goerrors.Wrap(source, goerrors.CategoryOperation, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(ErrorTransient)
}

// BusinessError marks a deterministic rejection that a retry cannot fix.
func BusinessError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryValidation, ErrorBusinessRejected, metadata)
}

func ClaimLostError(key EventKey, operation string) error {
	return NewError("core: event claim no longer held", goerrors.CategoryConflict, ErrorClaimLost, map[string]any{
		"source":            key.Source,
		"external_event_id": key.ExternalEventID,
		"operation":         operation,
	})
}

func NotFoundError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryNotFound, ErrorNotFound, metadata)
}

func ConflictError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryConflict, ErrorConflict, metadata)
}

func InternalError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryInternal, ErrorInternal, metadata)
}

// HasTextCode reports whether any go-errors envelope in the chain carries code.
func HasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	if rich, ok := err.(*goerrors.Error); ok && rich.TextCode == code {
		return true
	}
	switch wrapped := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range wrapped.Unwrap() {
			if HasTextCode(inner, code) {
				return true
			}
		}
		return false
	default:
		return HasTextCode(errors.Unwrap(err), code)
	}
}

// IsTransient reports whether err is worth retrying: deadlines, store
// outages and errors explicitly marked transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return HasTextCode(err, ErrorTransient) ||
		HasTextCode(err, ErrorStoreUnavailable) ||
		HasTextCode(err, ErrorHandlerTimeout)
}

// IsBusiness reports whether err is a deterministic rejection.
func IsBusiness(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	if HasTextCode(err, ErrorBusinessRejected) || HasTextCode(err, ErrorBadInput) || HasTextCode(err, ErrorNotFound) {
		return true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		switch rich.Category {
		case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryNotFound:
			return true
		}
	}
	return false
}

// MapError normalizes err into a go-errors envelope with an HTTP status.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryOperation, "operation timed out").
			WithCode(http.StatusServiceUnavailable).
			WithTextCode(ErrorTransient))
	}
	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorInvalidSignature
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryOperation:
		return ErrorTransient
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
