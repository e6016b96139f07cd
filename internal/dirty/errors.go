package dirty

import (
	"errors"
	"fmt"
)

// Error codes carried by error frames.
const (
	CodeNoEligibleApps = "no-eligible-apps"
	CodeNoWorkerForApp = "no-worker-for-app"
	CodeAppNotLoaded   = "app-not-loaded"
	CodeUnknownAction  = "unknown-action"
	CodeAppError       = "app-error"
	CodeBadRequest     = "bad-request"
	CodeUnavailable    = "unavailable"
)

var (
	ErrNoEligibleApps = errors.New(CodeNoEligibleApps)
	ErrNoWorkerForApp = errors.New(CodeNoWorkerForApp)
	ErrAppNotLoaded   = errors.New(CodeAppNotLoaded)
	ErrUnavailable    = errors.New(CodeUnavailable)
)

// Error is a structured failure with a machine-readable code and a
// human-readable message. It matches the sentinel of the same code with
// errors.Is.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNoEligibleApps:
		return e.Code == CodeNoEligibleApps
	case ErrNoWorkerForApp:
		return e.Code == CodeNoWorkerForApp
	case ErrAppNotLoaded:
		return e.Code == CodeAppNotLoaded
	case ErrUnavailable:
		return e.Code == CodeUnavailable
	}
	return false
}

// asError converts any error into an *Error, defaulting to app-error.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeAppError, Message: err.Error()}
}
