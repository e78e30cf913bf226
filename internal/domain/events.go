package domain

import "time"

// DomainEventType тип события, публикуемого для других сервисов
type DomainEventType string

const (
	EventParticipantActivated DomainEventType = "participant.activated"
	EventParticipantFailed    DomainEventType = "participant.payment_failed"
	EventParticipantLeft      DomainEventType = "participant.left"
	EventParticipantGrace     DomainEventType = "participant.grace_started"
	EventGroupActivated       DomainEventType = "group.activated"
	EventGroupDemoted         DomainEventType = "group.demoted"
	EventGroupEnded           DomainEventType = "group.ended"
	EventPaymentOrphaned      DomainEventType = "payment.orphaned"
)

// DomainEvent публикуется после коммита транзакции
type DomainEvent struct {
	Type          DomainEventType   `json:"type"`
	GroupID       string            `json:"group_id"`
	ParticipantID string            `json:"participant_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Amount        int64             `json:"amount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}
