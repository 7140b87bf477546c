// Package errs provides structured error types and helpers for Relay clients.
package errs

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category surfaced by the client.
type Code string

const (
	// CodeNetworkTimeout indicates a transport failure: dial errors, read timeouts, dropped connections.
	CodeNetworkTimeout Code = "network_timeout"
	// CodeServerError indicates a 5xx-equivalent failure on the service side.
	CodeServerError Code = "server_error"
	// CodeAuthDenied indicates the credentials were rejected or lack permission.
	CodeAuthDenied Code = "auth_denied"
	// CodeMalformedResponse indicates a response that could not be decoded.
	CodeMalformedResponse Code = "malformed_response"
	// CodeSubscriptionConflict indicates the service rejected the subscription request itself.
	CodeSubscriptionConflict Code = "subscription_conflict"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the client has been stopped or closed.
	CodeUnavailable Code = "unavailable"
)

// Retryable reports whether failures of this code may succeed when retried.
func (c Code) Retryable() bool {
	switch c {
	case CodeNetworkTimeout, CodeServerError, CodeMalformedResponse:
		return true
	default:
		return false
	}
}

// E captures structured error information produced across the Relay stack.
type E struct {
	Operation string
	Code      Code
	HTTP      int
	RawMsg    string
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(operation string, code Code, opts ...Option) *E {
	e := &E{
		Operation: strings.TrimSpace(operation),
		Code:      code,
		HTTP:      0,
		RawMsg:    "",
		Message:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw service response body.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Operation)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches another *E by code so errors.Is(err, errs.New("", CodeAuthDenied)) works.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Code == e.Code && (other.Operation == "" || other.Operation == e.Operation)
}

// KindOf classifies any error into a Code. Errors without an envelope are classified
// by inspecting well-known network and decode failures.
func KindOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNetworkTimeout
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return CodeNetworkTimeout
	}
	return CodeMalformedResponse
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// FromHTTPStatus maps a non-2xx HTTP status onto an error code.
func FromHTTPStatus(status int) Code {
	switch {
	case status == 403 || status == 401:
		return CodeAuthDenied
	case status >= 500:
		return CodeServerError
	case status == 408 || status == 429:
		return CodeNetworkTimeout
	case status >= 400:
		return CodeSubscriptionConflict
	default:
		return CodeMalformedResponse
	}
}

// Unavailable returns a standardized error for operations on a stopped client.
func Unavailable(operation string) *E {
	return New(operation, CodeUnavailable, WithMessage("client stopped"))
}
