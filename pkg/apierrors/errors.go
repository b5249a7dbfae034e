// Package apierrors defines TiSpace's typed error taxonomy: every error an
// admission handler can return maps to exactly one HTTP status code.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the fixed error categories admission handlers
// can produce.
type Kind string

const (
	KindInvalidArgs                   Kind = "InvalidArgs"
	KindAlreadyExists                 Kind = "AlreadyExists"
	KindAlreadyDeleted                Kind = "AlreadyDeleted"
	KindNotYetStopped                 Kind = "NotYetStopped"
	KindUnknownNode                   Kind = "UnknownNode"
	KindUnknownStoragePool            Kind = "UnknownStoragePool"
	KindImageUnavailable              Kind = "ImageUnavailable"
	KindUnsupportedImage              Kind = "UnsupportedImage"
	KindUnsupportedRuntime            Kind = "UnsupportedRuntime"
	KindStoragePoolCannotBeSpecified  Kind = "StoragePoolCannotBeSpecified"
	KindRuntimeIncompatible           Kind = "RuntimeIncompatible"
	KindQuotaExceeded                 Kind = "QuotaExceeded"
	KindResourceExhausted             Kind = "ResourceExhausted"
	KindCreateFailed                  Kind = "CreateFailed"
	KindUpdateFailed                  Kind = "UpdateFailed"
	KindDeleteFailed                  Kind = "DeleteFailed"
	KindStartFailed                   Kind = "StartFailed"
	KindStopFailed                    Kind = "StopFailed"
	KindInvalidToken                  Kind = "InvalidToken"
	KindUnauthorizedUser              Kind = "UnauthorizedUser"
)

var statusByKind = map[Kind]int{
	KindInvalidArgs:                  http.StatusBadRequest,
	KindAlreadyExists:                http.StatusConflict,
	KindAlreadyDeleted:               http.StatusBadRequest,
	KindNotYetStopped:                http.StatusBadRequest,
	KindUnknownNode:                  http.StatusBadRequest,
	KindUnknownStoragePool:           http.StatusBadRequest,
	KindImageUnavailable:             http.StatusBadRequest,
	KindUnsupportedImage:             http.StatusBadRequest,
	KindUnsupportedRuntime:           http.StatusBadRequest,
	KindStoragePoolCannotBeSpecified: http.StatusBadRequest,
	KindRuntimeIncompatible:          http.StatusBadRequest,
	KindQuotaExceeded:                http.StatusUnprocessableEntity,
	KindResourceExhausted:            http.StatusUnprocessableEntity,
	KindCreateFailed:                 http.StatusInternalServerError,
	KindUpdateFailed:                 http.StatusInternalServerError,
	KindDeleteFailed:                 http.StatusInternalServerError,
	KindStartFailed:                  http.StatusInternalServerError,
	KindStopFailed:                   http.StatusInternalServerError,
	KindInvalidToken:                 http.StatusBadRequest,
	KindUnauthorizedUser:             http.StatusUnauthorized,
}

// Error is a typed, HTTP-mappable API error.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Status returns the HTTP status code this error's Kind maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: cause}
}

// InvalidArg builds the standard "Invalid arg `field`" message used by
// field-validation failures.
func InvalidArg(field string) *Error {
	return New(KindInvalidArgs, "Invalid arg `%s`", field)
}

// QuotaError carries the structured payload for QuotaExceeded: resource
// name, quota, remaining headroom, requested amount, and unit.
type QuotaError struct {
	Resource  string
	Quota     int
	Remaining int
	Requested int
	Unit      string
}

func (q *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded: quota=%d remaining=%d requested=%d %s",
		q.Resource, q.Quota, q.Remaining, q.Requested, q.Unit)
}

// AsAPIError wraps a QuotaError as a KindQuotaExceeded *Error.
func (q *QuotaError) AsAPIError() *Error {
	return &Error{Kind: KindQuotaExceeded, Message: q.Error(), Wrapped: q}
}

// StatusFor returns the HTTP status an arbitrary error maps to: the
// Error's own Status() if it is one of ours, otherwise 500.
func StatusFor(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status()
	}
	return http.StatusInternalServerError
}
