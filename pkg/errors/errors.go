package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeOutOfStock    Code = "OUT_OF_STOCK"
	CodeNotFound      Code = "NOT_FOUND"
	CodeNetwork       Code = "NETWORK_ERROR"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeInternal      Code = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:    http.StatusBadRequest,
		Retryable:     false,
		PublicMessage: "validation failed",
	},
	CodeUnauthorized: {
		HTTPStatus:    http.StatusUnauthorized,
		Retryable:     false,
		PublicMessage: "session expired, log in again",
	},
	CodeOutOfStock: {
		HTTPStatus:    http.StatusConflict,
		Retryable:     false,
		PublicMessage: "requested quantity is not available",
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		Retryable:     false,
		PublicMessage: "resource not found",
	},
	CodeNetwork: {
		HTTPStatus:    http.StatusServiceUnavailable,
		Retryable:     true,
		PublicMessage: "could not reach the store, try again",
	},
	CodeStateConflict: {
		HTTPStatus:    http.StatusUnprocessableEntity,
		Retryable:     false,
		PublicMessage: "operation not allowed in the current state",
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     false,
		PublicMessage: "unexpected error",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// CodeFromStatus maps a remote cart API status onto the client taxonomy.
// Transport-level failures never reach this mapping; callers wrap those as
// CodeNetwork directly.
func CodeFromStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusConflict:
		return CodeOutOfStock
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status >= 500:
		return CodeNetwork
	default:
		return CodeInternal
	}
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Retryable() bool {
	return MetadataFor(e.Code()).Retryable
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf extracts the taxonomy code from any error, defaulting to internal.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}
