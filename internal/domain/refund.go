package domain

import "time"

// RefundStatus - состояние возврата при выходе участника
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
)

// Refund фиксирует сумму и ключ идемпотентности возврата до обращения к провайдеру.
// Повторный выход использует ту же запись, а не пересчитывает сумму.
type Refund struct {
	ParticipantID  string       `json:"participant_id"`
	GroupID        string       `json:"group_id"`
	IntentID       string       `json:"intent_id"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	DaysRemaining  int          `json:"days_remaining"`
	IdempotencyKey string       `json:"idempotency_key"`
	ExternalID     string       `json:"external_id,omitempty"`
	Status         RefundStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
}

// IsProcessed сообщает, что провайдер уже подтвердил возврат
func (r *Refund) IsProcessed() bool {
	return r.Status == RefundStatusSucceeded && r.ExternalID != ""
}

// RefundKey - ключ идемпотентности возврата участника
func RefundKey(participantID string) string {
	return "refund-" + participantID
}
