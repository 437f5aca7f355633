// Package errs defines the error kinds shared across the runtime.
// Kinds are stable strings: they appear in logs, tool results and API
// responses, so callers can branch on KindOf without importing the
// producing package.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions (fallback, retry, surface).
type Kind string

const (
	ConfigInvalid         Kind = "config_invalid"
	AuthMissing           Kind = "auth_missing"
	AuthInvalid           Kind = "auth_invalid"
	ProviderTimeout       Kind = "provider_timeout"
	ProviderRateLimited   Kind = "provider_rate_limited"
	ProviderSendFailed    Kind = "provider_send_failed"
	ProviderCircuitOpen   Kind = "provider_circuit_open"
	ChannelUnavailable    Kind = "channel_unavailable"
	ToolNotFound          Kind = "tool_not_found"
	ToolInvalidArgs       Kind = "tool_invalid_args"
	ToolTimeout           Kind = "tool_timeout"
	ToolFailed            Kind = "tool_failed"
	SessionCancelled      Kind = "session_cancelled"
	CronExpressionInvalid Kind = "cron_expression_invalid"
)

// Error carries a kind plus a human message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Returns "" for nil or unkinded errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
