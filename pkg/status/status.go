package status

import (
	"errors"
	"fmt"
	"net/http"
)

// Lifecycle errors. These are fatal to the operation attempted but never
// to the process; the server stays in its prior state.
var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrAlreadyStopped = errors.New("server already stopped")
	ErrTLSInit        = errors.New("failed to initialize tls context")
)

// Concurrent map errors. ErrEntryNotFound is a frequently expected
// outcome (late cleanup, already-finalized request) and is never
// surfaced to clients.
var (
	ErrEntryExists   = errors.New("entry already exists")
	ErrEntryNotFound = errors.New("entry not found")
)

// Well-known request failure codes.
const (
	CodeUnauthorized   uint64 = 1001
	CodeRouteNotFound  uint64 = 1002
	CodeRequestAborted uint64 = 1003
	CodeRateLimited    uint64 = 1004
	CodeInternal       uint64 = 1005
)

// CodedError is a per-request failure carrying an application result
// code and the HTTP status the final response should reflect.
type CodedError struct {
	Code   uint64
	Status int
	Reason string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Reason, e.Code)
}

// Coded builds a request failure with an internal-error HTTP status.
func Coded(code uint64, reason string) error {
	return &CodedError{Code: code, Status: http.StatusInternalServerError, Reason: reason}
}

// CodedWithStatus builds a request failure with an explicit HTTP status.
func CodedWithStatus(code uint64, httpStatus int, reason string) error {
	return &CodedError{Code: code, Status: httpStatus, Reason: reason}
}

// Unauthorized builds an authorization failure.
func Unauthorized(reason string) error {
	return &CodedError{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Reason: reason}
}

// CodeOf extracts the result code from err, or CodeInternal when err
// carries none. A nil err has code zero.
func CodeOf(err error) uint64 {
	if err == nil {
		return 0
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// HTTPStatusOf maps err to the HTTP status of the final response.
func HTTPStatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var ce *CodedError
	if errors.As(err, &ce) && ce.Status != 0 {
		return ce.Status
	}
	return http.StatusInternalServerError
}
