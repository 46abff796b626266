package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotWaiting       = errors.New("пользователь не проходит проверку")
	ErrChangeUsed       = errors.New("вопрос уже меняли")
	ErrBudgetExhausted  = errors.New("попытки исчерпаны")
	ErrNotChangeable    = errors.New("этот вопрос нельзя заменить")
	ErrNoSession        = errors.New("нет активной сессии редактирования")
	ErrQuestionNotFound = errors.New("вопрос не найден")
	ErrBankFull         = errors.New("достигнут лимит вопросов")
	ErrNoQuestions      = errors.New("у группы нет вопросов")
	ErrConfigLocked     = errors.New("настройки недавно менялись")
	ErrPassLimit        = errors.New("достигнут лимит ручных пропусков")
	ErrUnknownConfigKey = errors.New("неизвестный параметр")
	ErrNoChallenge      = errors.New("не удалось создать проверку")
	ErrNotPassed        = errors.New("у пользователя нет ручного пропуска")
)

// ValidationError описывает отказ из-за некорректного ввода администратора.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "некорректные данные: " + e.Reason
}

// NewValidationError создаёт ошибку валидации.
func NewValidationError(reason string) error {
	return &ValidationError{Reason: reason}
}

// RaceRejectedError возвращается, если сессию редактирования держит другой администратор.
type RaceRejectedError struct {
	Owner int64
	Until time.Time
}

func (e *RaceRejectedError) Error() string {
	return fmt.Sprintf("сессия занята администратором %d до %s", e.Owner, e.Until.Format(time.RFC3339))
}

// SendError возвращается, если платформа не приняла сообщение.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}
