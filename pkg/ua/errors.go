package ua

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode код ошибки движка.
type ErrorCode int

const (
	// ErrorCodeMalformed сообщение или SDP не разобраны, операция отклонена локально.
	ErrorCodeMalformed ErrorCode = iota + 4000
	// ErrorCodeNotFound идентификатор не найден или уже освобожден.
	ErrorCodeNotFound
	// ErrorCodeTransactionPending в диалоге уже есть незавершенная транзакция того же метода.
	ErrorCodeTransactionPending
	// ErrorCodeBadState операция недопустима в текущем состоянии.
	ErrorCodeBadState
	// ErrorCodeTransport транспорт не смог создать транзакцию или отправить сообщение.
	ErrorCodeTransport
	// ErrorCodeStopped движок остановлен.
	ErrorCodeStopped
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeMalformed:
		return "malformed"
	case ErrorCodeNotFound:
		return "not found"
	case ErrorCodeTransactionPending:
		return "transaction pending"
	case ErrorCodeBadState:
		return "bad state"
	case ErrorCodeTransport:
		return "transport"
	case ErrorCodeStopped:
		return "stopped"
	}
	return "unknown"
}

// EngineError ошибка операции приложения.
type EngineError struct {
	Code ErrorCode
	// Op имя операции, например "InitiateCall".
	Op string
	// ID идентификатор вызова, диалога или подписки; 0 если неприменимо.
	ID      int
	Wrapped error
}

func newError(code ErrorCode, op string, id int) *EngineError {
	return &EngineError{Code: code, Op: op, ID: id}
}

func wrapError(code ErrorCode, op string, id int, err error) *EngineError {
	return &EngineError{Code: code, Op: op, ID: id, Wrapped: err}
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s [%d]", e.Op, e.Code, e.Code)
	if e.ID != 0 {
		msg += fmt.Sprintf(" id=%d", e.ID)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Wrapped
}

// IsEngineError проверяет, является ли ошибка EngineError с указанным кодом.
func IsEngineError(err error, code ErrorCode) bool {
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		return false
	}
	return engErr.Code == code
}
