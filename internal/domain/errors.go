package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrGroupNotFound группа не найдена
	ErrGroupNotFound = errors.New("group not found")

	// ErrParticipantNotFound участник не найден
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrGroupFull в группе нет свободных мест
	ErrGroupFull = errors.New("group is full")

	// ErrAlreadyJoined пользователь уже состоит в группе
	ErrAlreadyJoined = errors.New("user already joined the group")

	// ErrGroupNotRecruiting группа не набирает участников
	ErrGroupNotRecruiting = errors.New("group is not recruiting")

	// ErrInvalidTransition недопустимый переход состояния
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotActiveParticipant операция доступна только активному участнику
	ErrNotActiveParticipant = errors.New("participant is not active")

	// ErrCreatorCannotLeave создатель не может покинуть свою группу
	ErrCreatorCannotLeave = errors.New("group creator cannot leave the group")

	// ErrForbidden операция запрещена для этого пользователя
	ErrForbidden = errors.New("forbidden")

	// ErrPaymentDeclined платеж отклонен платежной системой
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrGatewayUnavailable платежный шлюз временно недоступен
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrInvalidSignature подпись вебхука не прошла проверку
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUnsupportedEvent тип события не обрабатывается
	ErrUnsupportedEvent = errors.New("unsupported event type")
)

const (
	EntityGroup        = "group"
	EntityParticipant  = "participant"
	EntitySubscription = "subscription"
)

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is сопоставляет ошибку с общим ErrNotFound и с сентинелом конкретной сущности
func (e *NotFoundError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return true
	case ErrGroupNotFound:
		return e.Entity == EntityGroup
	case ErrParticipantNotFound:
		return e.Entity == EntityParticipant
	}
	return false
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidTransitionError - попытка перевести участника из состояния, где переход запрещен.
// Такие ошибки логируются и не повторяются.
type InvalidTransitionError struct {
	ParticipantID string
	From          ParticipantStatus
	To            ParticipantStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("participant %s: cannot transition %s -> %s", e.ParticipantID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NewInvalidTransitionError создает ошибку недопустимого перехода
func NewInvalidTransitionError(participantID string, from, to ParticipantStatus) *InvalidTransitionError {
	return &InvalidTransitionError{ParticipantID: participantID, From: from, To: to}
}

// GatewayError представляет ошибку платежного шлюза
type GatewayError struct {
	Op          string
	Code        string
	Message     string
	StatusCode  int
	Retryable   bool
	Declined    bool
	OriginalErr error
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("gateway error [%s/%s]: %s: %v", e.Op, e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("gateway error [%s/%s]: %s", e.Op, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *GatewayError) Unwrap() error {
	return e.OriginalErr
}

// Is позволяет проверять категорию ошибки через errors.Is
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrGatewayUnavailable:
		return e.Retryable
	case ErrPaymentDeclined:
		return e.Declined
	}
	return false
}

// ValidationError представляет ошибку валидации
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors представляет набор ошибок валидации
type ValidationErrors []ValidationError

// Error реализует интерфейс error
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return fmt.Sprintf("validation failed: %s - %s", e[0].Field, e[0].Message)
	}
	return fmt.Sprintf("validation failed: %d errors", len(e))
}

// Is делает набор ошибок совместимым с ErrInvalidInput
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidInput
}

// Add добавляет ошибку валидации
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// HasErrors проверяет наличие ошибок
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields возвращает карту поле -> сообщение для ответа API
func (e ValidationErrors) Fields() map[string]string {
	out := make(map[string]string, len(e))
	for _, v := range e {
		out[v.Field] = v.Message
	}
	return out
}
