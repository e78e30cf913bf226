// Package gateway описывает порт платежного провайдера, которым пользуются сервисы.
// Реализация для Stripe живет в internal/stripe, тестовая подделка - в gatewaytest.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
)

// IntentStatus - состояние платежа у провайдера
type IntentStatus string

const (
	IntentStatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentStatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentStatusRequiresAction        IntentStatus = "requires_action"
	IntentStatusProcessing            IntentStatus = "processing"
	IntentStatusSucceeded             IntentStatus = "succeeded"
	IntentStatusCanceled              IntentStatus = "canceled"
)

// IsFinal сообщает, что платеж больше не изменится
func (s IntentStatus) IsFinal() bool {
	return s == IntentStatusSucceeded || s == IntentStatusCanceled
}

// Ключи метаданных, по которым события провайдера связываются с участником
const (
	MetadataParticipantID = "participant_id"
	MetadataGroupID       = "group_id"
	MetadataUserID        = "user_id"
)

type CreateIntentRequest struct {
	Amount           int64
	Currency         string
	CustomerID       string
	SetupFutureUsage bool
	IdempotencyKey   string
	Description      string
	Metadata         map[string]string
}

type Intent struct {
	ID              string
	ClientSecret    string
	Amount          int64
	Currency        string
	Status          IntentStatus
	PaymentMethodID string
	Metadata        map[string]string
}

type RefundRequest struct {
	IntentID       string
	Amount         int64
	IdempotencyKey string
	Reason         string
	Metadata       map[string]string
}

type Refund struct {
	ID     string
	Amount int64
	Status string
}

type CreateSubscriptionRequest struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	// AnchorAt - начало следующего расчетного периода
	AnchorAt       time.Time
	IdempotencyKey string
	Metadata       map[string]string
}

type SubscriptionInfo struct {
	ID                 string
	Status             domain.SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// Gateway - операции платежного провайдера. Все ошибки провайдера приводятся к *domain.GatewayError.
type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
	GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*SubscriptionInfo, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// EventParser проверяет подпись вебхука и нормализует событие.
// Ошибка подписи оборачивает domain.ErrInvalidSignature, неизвестный тип - domain.ErrUnsupportedEvent.
type EventParser interface {
	ParseEvent(payload []byte, signature string) (domain.NormalizedEvent, error)
}

// IsTransient сообщает, имеет ли смысл повторить вызов
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}
