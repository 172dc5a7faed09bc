package appserver

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState операция вызвана вне допустимой фазы транзакции
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrUnknownFork операция над несуществующим форком
	ErrUnknownFork = errors.New("unknown fork")

	// ErrUseAfterRelease сообщение использовано после освобождения или отправки
	ErrUseAfterRelease = errors.New("message used after release")

	// ErrPolicyViolation сервис не отправил ни ответа, ни форка там, где это обязательно
	ErrPolicyViolation = errors.New("service policy violation")

	// ErrNoService не найден сервис для обработки запроса
	ErrNoService = errors.New("no service for request")

	// ErrShutdown движок остановлен
	ErrShutdown = errors.New("engine is shut down")
)

// ErrorKind класс ошибки для метрик и логов
type ErrorKind string

const (
	KindInvalidState    ErrorKind = "INVALID_STATE"
	KindUnknownFork     ErrorKind = "UNKNOWN_FORK"
	KindUseAfterRelease ErrorKind = "USE_AFTER_RELEASE"
	KindPolicyViolation ErrorKind = "POLICY_VIOLATION"
)

// TxError ошибка операции транзакции с контекстом
type TxError struct {
	Kind   ErrorKind
	Op     string // операция Helper, например "AddTarget"
	TxID   string
	ForkID int // -1 если операция не относится к форку
	Detail string
	Err    error
}

// Error реализует интерфейс error
func (e *TxError) Error() string {
	msg := fmt.Sprintf("[%s] %s (tx %s", e.Kind, e.Op, e.TxID)
	if e.ForkID >= 0 {
		msg += fmt.Sprintf(", fork %d", e.ForkID)
	}
	msg += ")"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *TxError) Unwrap() error {
	return e.Err
}

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrUnknownFork):
		return KindUnknownFork
	case errors.Is(err, ErrUseAfterRelease):
		return KindUseAfterRelease
	case errors.Is(err, ErrPolicyViolation):
		return KindPolicyViolation
	default:
		return KindInvalidState
	}
}

func newTxError(op, txID string, forkID int, sentinel error, detail string) *TxError {
	return &TxError{
		Kind:   kindOf(sentinel),
		Op:     op,
		TxID:   txID,
		ForkID: forkID,
		Detail: detail,
		Err:    sentinel,
	}
}
