package jsonapi

import (
	"fmt"
	"net/http"
	"strconv"
)

// Error is an error object.
type Error struct {
	Status string       `json:"status"`
	Code   string       `json:"code"`
	Title  string       `json:"title"`
	Detail string       `json:"detail,omitempty"`
	Source *ErrorSource `json:"source,omitempty"`
}

// ErrorSource names the request part that caused an error.
type ErrorSource struct {
	Parameter string `json:"parameter,omitempty"`
	Header    string `json:"header,omitempty"`
}

// StatusCode returns the HTTP status as an int, or 0 if it does not parse.
func (e Error) StatusCode() int {
	code, _ := strconv.Atoi(e.Status)
	return code
}

// ErrorBuilder assembles an Error.
type ErrorBuilder struct {
	e Error
}

// NewError starts an error with an HTTP status, a stable machine-readable
// code and a title.
func NewError(status int, code, title string) *ErrorBuilder {
	return &ErrorBuilder{e: Error{Status: strconv.Itoa(status), Code: code, Title: title}}
}

// Detail sets the human-readable explanation.
func (b *ErrorBuilder) Detail(detail string) *ErrorBuilder {
	b.e.Detail = detail
	return b
}

// Detailf sets the explanation from a format string.
func (b *ErrorBuilder) Detailf(format string, args ...any) *ErrorBuilder {
	return b.Detail(fmt.Sprintf(format, args...))
}

// Parameter points the error at a query parameter.
func (b *ErrorBuilder) Parameter(name string) *ErrorBuilder {
	b.source().Parameter = name
	return b
}

// Header points the error at a request header.
func (b *ErrorBuilder) Header(name string) *ErrorBuilder {
	b.source().Header = name
	return b
}

func (b *ErrorBuilder) source() *ErrorSource {
	if b.e.Source == nil {
		b.e.Source = &ErrorSource{}
	}
	return b.e.Source
}

// Build returns the error.
func (b *ErrorBuilder) Build() Error {
	return b.e
}

// ErrBadRequest is a 400 for a request that could not be understood.
func ErrBadRequest(detail string) Error {
	return NewError(http.StatusBadRequest, "bad_request", "Bad Request").Detail(detail).Build()
}

// ErrUnauthorized is a 401 for missing or wrong credentials.
func ErrUnauthorized(detail string) Error {
	if detail == "" {
		detail = "Authentication required"
	}
	return NewError(http.StatusUnauthorized, "unauthorized", "Unauthorized").Detail(detail).Build()
}

// ErrNotFound is a 404 naming what was looked up.
func ErrNotFound(what string) Error {
	return NewError(http.StatusNotFound, "not_found", "Not Found").
		Detailf("The requested %s was not found", what).
		Build()
}

// ErrConflict is a 409 for a request that clashes with current state.
func ErrConflict(detail string) Error {
	return NewError(http.StatusConflict, "conflict", "Conflict").Detail(detail).Build()
}

// ErrValidation is a 422 for a query parameter with an unusable value.
func ErrValidation(param, message string) Error {
	return NewError(http.StatusUnprocessableEntity, "validation_error", "Validation Failed").
		Detail(message).
		Parameter(param).
		Build()
}

// ErrPayloadTooLarge is a 413 for a body over the configured limit.
func ErrPayloadTooLarge(limit int64) Error {
	return NewError(http.StatusRequestEntityTooLarge, "payload_too_large", "Payload Too Large").
		Detailf("request body exceeds %d bytes", limit).
		Build()
}

// ErrInternal is a 500. The detail never carries internal error text.
func ErrInternal(detail string) Error {
	if detail == "" {
		detail = "An unexpected error occurred"
	}
	return NewError(http.StatusInternalServerError, "internal_error", "Internal Server Error").Detail(detail).Build()
}

// ErrServiceUnavailable is a 503 for a feature that is not configured.
func ErrServiceUnavailable(detail string) Error {
	return NewError(http.StatusServiceUnavailable, "service_unavailable", "Service Unavailable").Detail(detail).Build()
}

// ErrInvalidSignature is a 401 for a notification whose signature header
// does not verify.
func ErrInvalidSignature(header string) Error {
	return NewError(http.StatusUnauthorized, "invalid_signature", "Invalid Signature").
		Detail("The webhook signature could not be verified").
		Header(header).
		Build()
}

// ErrRetryLater is a 503 asking the sender to redeliver.
func ErrRetryLater(detail string) Error {
	return NewError(http.StatusServiceUnavailable, "retry_later", "Retry Later").Detail(detail).Build()
}

// ErrInvalidTransition is a 409 for a lifecycle change the subscription's
// status does not allow.
func ErrInvalidTransition(detail string) Error {
	return NewError(http.StatusConflict, "invalid_transition", "Invalid Transition").Detail(detail).Build()
}

// ErrPaymentProvider is a 502 for a failed provider call.
func ErrPaymentProvider(op string) Error {
	return NewError(http.StatusBadGateway, "payment_provider_error", "Payment Provider Error").
		Detailf("payment provider call %q failed", op).
		Build()
}
