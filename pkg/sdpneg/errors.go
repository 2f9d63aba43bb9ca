package sdpneg

import (
	"fmt"

	"github.com/pkg/errors"
)

// SDPErrorCode код ошибки согласования.
type SDPErrorCode int

const (
	ErrorCodeNotAcceptable SDPErrorCode = iota + 3000
	ErrorCodeNotFound
	ErrorCodeParse
	ErrorCodeGenerate
	ErrorCodeInvalidConfig
)

func (c SDPErrorCode) String() string {
	switch c {
	case ErrorCodeNotAcceptable:
		return "not acceptable"
	case ErrorCodeNotFound:
		return "not found"
	case ErrorCodeParse:
		return "parse"
	case ErrorCodeGenerate:
		return "generate"
	case ErrorCodeInvalidConfig:
		return "invalid config"
	}
	return "unknown"
}

// SDPError ошибка SDP операции.
type SDPError struct {
	Code    SDPErrorCode
	Message string
	Wrapped error
}

// NewSDPError создает новую SDP ошибку
func NewSDPError(code SDPErrorCode, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapSDPError оборачивает существующую ошибку в SDPError
func WrapSDPError(code SDPErrorCode, err error, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

func (e *SDPError) Error() string {
	msg := fmt.Sprintf("sdp %s [%d]: %s", e.Code, e.Code, e.Message)
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *SDPError) Unwrap() error {
	return e.Wrapped
}

// IsSDPError проверяет, является ли ошибка SDPError с указанным кодом
func IsSDPError(err error, code SDPErrorCode) bool {
	var sdpErr *SDPError
	if !errors.As(err, &sdpErr) {
		return false
	}
	return sdpErr.Code == code
}
