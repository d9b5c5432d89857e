package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeStale         Code = 14
	CodeTimeout       Code = 15
	CodeBlocked       Code = 16
	CodeConfig        Code = 20
	CodeCrypto        Code = 21
	CodeKeyNotFound   Code = 22
	CodeProofVerify   Code = 23
	CodeRejected      Code = 24
	CodeRunFailed     Code = 25
	CodeInsufficient  Code = 26
	CodeIdentityState Code = 27
)

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code so sentinel-style checks work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether any typed error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var target *Error
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.Cause
	}
	return false
}

// Transient reports whether err is worth another attempt.
func Transient(err error) bool {
	cErr, ok := As(err)
	if !ok {
		return false
	}
	switch cErr.Code {
	case CodeUnavailable, CodeRateLimited, CodeTimeout:
		return true
	default:
		return false
	}
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName is the envelope error type for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "network_error"
	case CodeUnsupported:
		return "unsupported"
	case CodeStale:
		return "stale_data"
	case CodeTimeout:
		return "timeout"
	case CodeBlocked:
		return "command_blocked"
	case CodeConfig:
		return "config_error"
	case CodeCrypto:
		return "crypto_error"
	case CodeKeyNotFound:
		return "key_not_found"
	case CodeProofVerify:
		return "proof_verification_error"
	case CodeRejected:
		return "semantic_rejection"
	case CodeRunFailed:
		return "run_failed"
	case CodeInsufficient:
		return "insufficient_funds"
	case CodeIdentityState:
		return "identity_unavailable"
	default:
		return "internal_error"
	}
}
