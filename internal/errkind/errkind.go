// Package errkind defines the failure taxonomy shared across the execution
// pipeline. Device and pipeline failures are classified into machine-readable
// kinds so that callers, task results, and the operator API all report the
// same vocabulary.
package errkind

import (
	"errors"
	"fmt"
)

type Kind string

const (
	DeviceNotFound     Kind = "device_not_found"
	MissingCredentials Kind = "missing_credentials"
	Unreachable        Kind = "unreachable"
	AuthFailed         Kind = "auth_failed"
	Timeout            Kind = "timeout"
	BannerTimeout      Kind = "banner_timeout"
	CommandUnsupported Kind = "command_unsupported"
	PromptParseFailed  Kind = "parse_of_prompt_failed"
	ParseFailed        Kind = "parse_failed"
	CacheConflict      Kind = "cache_conflict"
	SecurityViolation  Kind = "security_violation"
	BrokerUnavailable  Kind = "broker_unavailable"
)

func (k Kind) String() string { return string(k) }

// Error pairs an underlying error with its classification. It satisfies
// errors.Is/As chains so callers can both classify and unwrap.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields a bare classified
// error so the kind is never lost.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Of extracts the classification from an error chain. It returns the empty
// Kind for nil and for unclassified errors.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
