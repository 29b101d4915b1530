package realtime

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure category across the transport and the room
// runtime.
type ErrorCode int

const (
	// Generic transport-shaped codes.
	CodeBadRequest    ErrorCode = 40000
	CodeUnauthorized  ErrorCode = 40100
	CodeForbidden     ErrorCode = 40300
	CodeNotFound      ErrorCode = 40400
	CodeInternalError ErrorCode = 50000
	CodeDisconnected  ErrorCode = 80003

	// Room lifecycle codes.
	CodeRoomInFailedState       ErrorCode = 102101
	CodeRoomIsReleasing         ErrorCode = 102102
	CodeRoomIsReleased          ErrorCode = 102103
	CodeRoomInInvalidState      ErrorCode = 102107
	CodeFeatureNotEnabledInRoom ErrorCode = 102108

	// Feature attachment codes.
	CodeMessagesAttachmentFailed  ErrorCode = 102001
	CodePresenceAttachmentFailed  ErrorCode = 102002
	CodeReactionsAttachmentFailed ErrorCode = 102003
	CodeOccupancyAttachmentFailed ErrorCode = 102004
	CodeTypingAttachmentFailed    ErrorCode = 102005

	// Feature detachment codes.
	CodeMessagesDetachmentFailed  ErrorCode = 102050
	CodePresenceDetachmentFailed  ErrorCode = 102051
	CodeReactionsDetachmentFailed ErrorCode = 102052
	CodeOccupancyDetachmentFailed ErrorCode = 102053
	CodeTypingDetachmentFailed    ErrorCode = 102054
)

// ErrorInfo is the transport-shaped error carried across the module: a
// numeric code, an HTTP-like status code and a human-readable message,
// optionally wrapping an underlying cause.
type ErrorInfo struct {
	Code       ErrorCode
	StatusCode int
	Message    string
	Cause      error
}

func (e *ErrorInfo) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (code=%d status=%d): %v", e.Message, e.Code, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s (code=%d status=%d)", e.Message, e.Code, e.StatusCode)
}

func (e *ErrorInfo) Unwrap() error { return e.Cause }

// NewError builds an ErrorInfo with a formatted message.
func NewError(code ErrorCode, statusCode int, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Code: code, StatusCode: statusCode, Message: fmt.Sprintf(format, args...)}
}

// WrapError annotates err with a code. When err already is an ErrorInfo its
// status code is preserved; otherwise statusCode applies.
func WrapError(code ErrorCode, statusCode int, msg string, err error) *ErrorInfo {
	if ei, ok := AsErrorInfo(err); ok {
		return &ErrorInfo{Code: code, StatusCode: ei.StatusCode, Message: msg, Cause: err}
	}
	return &ErrorInfo{Code: code, StatusCode: statusCode, Message: msg, Cause: err}
}

// AsErrorInfo unwraps err to the nearest ErrorInfo.
func AsErrorInfo(err error) (*ErrorInfo, bool) {
	var ei *ErrorInfo
	if errors.As(err, &ei) {
		return ei, true
	}
	return nil, false
}
