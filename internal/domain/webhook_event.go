package domain

import (
	"encoding/json"
	"time"
)

// EventKind - закрытый набор типов платежных событий, которые понимает сервис
type EventKind string

const (
	EventIntentSucceeded     EventKind = "intent_succeeded"
	EventIntentFailed        EventKind = "intent_failed"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventInvoicePaid         EventKind = "invoice_paid"
	EventInvoiceFailed       EventKind = "invoice_failed"
)

// AllEventKinds перечисляет все типы событий
func AllEventKinds() []EventKind {
	return []EventKind{
		EventIntentSucceeded,
		EventIntentFailed,
		EventSubscriptionUpdated,
		EventSubscriptionDeleted,
		EventInvoicePaid,
		EventInvoiceFailed,
	}
}

// EventPayload - полезная нагрузка события. Реализовать интерфейс можно только в этом пакете,
// поэтому switch по типам в обработчике покрывает все варианты.
type EventPayload interface {
	Kind() EventKind
	isEventPayload()
}

// IntentSucceeded - платеж за место в группе прошел
type IntentSucceeded struct {
	IntentID string
	Amount   int64
}

// IntentFailed - платеж отклонен или отменен
type IntentFailed struct {
	IntentID string
	Reason   string
}

// SubscriptionUpdated - изменились статус или период регулярной подписки
type SubscriptionUpdated struct {
	SubscriptionID string
	Status         SubscriptionStatus
	Period         BillingPeriod
}

// SubscriptionDeleted - подписка отменена у провайдера, участник удаляется без возврата
type SubscriptionDeleted struct {
	SubscriptionID string
}

// InvoicePaid - оплачен очередной счет регулярной подписки
type InvoicePaid struct {
	InvoiceID      string
	SubscriptionID string
	IntentID       string
	Period         BillingPeriod
}

// InvoiceFailed - очередное списание не прошло
type InvoiceFailed struct {
	InvoiceID      string
	SubscriptionID string
	AttemptCount   int64
}

func (IntentSucceeded) Kind() EventKind     { return EventIntentSucceeded }
func (IntentFailed) Kind() EventKind        { return EventIntentFailed }
func (SubscriptionUpdated) Kind() EventKind { return EventSubscriptionUpdated }
func (SubscriptionDeleted) Kind() EventKind { return EventSubscriptionDeleted }
func (InvoicePaid) Kind() EventKind         { return EventInvoicePaid }
func (InvoiceFailed) Kind() EventKind       { return EventInvoiceFailed }

func (IntentSucceeded) isEventPayload()     {}
func (IntentFailed) isEventPayload()        {}
func (SubscriptionUpdated) isEventPayload() {}
func (SubscriptionDeleted) isEventPayload() {}
func (InvoicePaid) isEventPayload()         {}
func (InvoiceFailed) isEventPayload()       {}

// ParticipantRef - ссылка на участника из метаданных платежа
type ParticipantRef struct {
	ParticipantID string `json:"participant_id,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// IsZero сообщает, что ссылка пустая
func (r ParticipantRef) IsZero() bool {
	return r.ParticipantID == "" && (r.GroupID == "" || r.UserID == "")
}

// NormalizedEvent - событие платежного провайдера, приведенное к внутреннему виду
type NormalizedEvent struct {
	EventID    string
	Ref        ParticipantRef
	OccurredAt time.Time
	Payload    EventPayload
	Raw        json.RawMessage
}

// Kind возвращает тип события
func (e NormalizedEvent) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// SubscriptionExternalID возвращает ID подписки провайдера, если событие его несет
func (e NormalizedEvent) SubscriptionExternalID() string {
	switch p := e.Payload.(type) {
	case SubscriptionUpdated:
		return p.SubscriptionID
	case SubscriptionDeleted:
		return p.SubscriptionID
	case InvoicePaid:
		return p.SubscriptionID
	case InvoiceFailed:
		return p.SubscriptionID
	}
	return ""
}

// IntentID возвращает ID платежа, если событие его несет
func (e NormalizedEvent) IntentID() string {
	switch p := e.Payload.(type) {
	case IntentSucceeded:
		return p.IntentID
	case IntentFailed:
		return p.IntentID
	}
	return ""
}

// EventOutcome - результат применения события, сохраняется в журнале
type EventOutcome string

const (
	OutcomePending         EventOutcome = "pending"
	OutcomeActivated       EventOutcome = "activated"
	OutcomeFailed          EventOutcome = "failed"
	OutcomeLeft            EventOutcome = "left"
	OutcomeGrace           EventOutcome = "grace"
	OutcomePeriodRefreshed EventOutcome = "period_refreshed"
	OutcomeNoop            EventOutcome = "noop"
	OutcomeStale           EventOutcome = "stale"
	OutcomeOrphaned        EventOutcome = "orphaned"
	OutcomeRejected        EventOutcome = "rejected"
	OutcomeUnresolved      EventOutcome = "unresolved"
)

// PaymentEvent - запись журнала событий. EventID уникален, это и есть ключ идемпотентности.
type PaymentEvent struct {
	EventID       string          `json:"event_id"`
	Kind          EventKind       `json:"kind"`
	ParticipantID string          `json:"participant_id,omitempty"`
	GroupID       string          `json:"group_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ProcessedAt   time.Time       `json:"processed_at"`
	Outcome       EventOutcome    `json:"outcome"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
