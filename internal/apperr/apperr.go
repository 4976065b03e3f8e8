// Package apperr defines the error taxonomy shared by the account service
// and its HTTP surface. Errors are samber/oops errors tagged with one of the
// codes below; the message of a coded error is safe to show to clients.
package apperr

import (
	"log/slog"

	"github.com/samber/oops"
)

const (
	CodeValidation     = "VALIDATION"
	CodeConflict       = "CONFLICT"
	CodeNotFound       = "NOT_FOUND"
	CodeAuthentication = "AUTHENTICATION"
	CodeUpstream       = "UPSTREAM"
)

// Validation reports missing or malformed input.
func Validation(format string, args ...any) error {
	return oops.Code(CodeValidation).Errorf(format, args...)
}

// Conflict reports a uniqueness violation such as a duplicate email.
func Conflict(format string, args ...any) error {
	return oops.Code(CodeConflict).Errorf(format, args...)
}

// NotFound reports a missing account or session subject.
func NotFound(format string, args ...any) error {
	return oops.Code(CodeNotFound).Errorf(format, args...)
}

// Authentication reports bad credentials or an invalid session token.
func Authentication(format string, args ...any) error {
	return oops.Code(CodeAuthentication).Errorf(format, args...)
}

// Upstream wraps a collaborator failure. The wrapped detail is for logs only.
func Upstream(err error, operation string) error {
	return oops.Code(CodeUpstream).With("operation", operation).Wrap(err)
}

// Code returns the taxonomy code of err, or "" for uncoded errors.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch oopsErr.Code() {
	case CodeValidation:
		return CodeValidation
	case CodeConflict:
		return CodeConflict
	case CodeNotFound:
		return CodeNotFound
	case CodeAuthentication:
		return CodeAuthentication
	case CodeUpstream:
		return CodeUpstream
	default:
		return ""
	}
}

// IsPublic reports whether the message of err may be returned to a client.
func IsPublic(err error) bool {
	switch Code(err) {
	case CodeValidation, CodeConflict, CodeNotFound, CodeAuthentication:
		return true
	default:
		return false
	}
}

// LogError logs err with its code and context when it is an oops error.
func LogError(logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{
			"error", oopsErr.Error(),
		}
		if code := oopsErr.Code(); code != nil && code != "" {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, "error", err)
}
