package domain

import "time"

// ParticipantStatus статус участника группы
type ParticipantStatus string

const (
	ParticipantStatusPending       ParticipantStatus = "pending"
	ParticipantStatusActive        ParticipantStatus = "active"
	ParticipantStatusPaymentFailed ParticipantStatus = "payment_failed"
	ParticipantStatusLeft          ParticipantStatus = "left"
)

// SlotHoldingStatuses - статусы, занимающие место в группе
var SlotHoldingStatuses = []ParticipantStatus{ParticipantStatusPending, ParticipantStatusActive}

// Participant - членство пользователя в группе. Для пары (группа, пользователь)
// одновременно существует не больше одной записи в статусе pending или active.
type Participant struct {
	ID                 string            `json:"id"`
	GroupID            string            `json:"group_id"`
	UserID             string            `json:"user_id"`
	Nickname           string            `json:"nickname"`
	Email              string            `json:"email,omitempty"`
	Status             ParticipantStatus `json:"status"`
	IsCreator          bool              `json:"is_creator"`
	MonthlyCost        int64             `json:"monthly_cost"`
	PaymentIntentID    string            `json:"payment_intent_id,omitempty"`
	PaymentConfirmedAt *time.Time        `json:"payment_confirmed_at,omitempty"`
	GraceUntil         *time.Time        `json:"grace_until,omitempty"`
	LastEventAt        *time.Time        `json:"last_event_at,omitempty"`
	JoinedAt           time.Time         `json:"joined_at"`
	LeftAt             *time.Time        `json:"left_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// HoldsSlot сообщает, занимает ли участник место в группе
func (p *Participant) HoldsSlot() bool {
	return p.Status == ParticipantStatusPending || p.Status == ParticipantStatusActive
}

// HasConfirmedPayment - активный участник обязан иметь подтвержденный платеж
func (p *Participant) HasConfirmedPayment() bool {
	return p.PaymentConfirmedAt != nil
}

// InGrace - регулярное списание не прошло, участник еще активен до GraceUntil
func (p *Participant) InGrace() bool {
	return p.Status == ParticipantStatusActive && p.GraceUntil != nil
}

// IsStale сообщает, что событие с временем at старше последнего примененного
func (p *Participant) IsStale(at time.Time) bool {
	return p.LastEventAt != nil && at.Before(*p.LastEventAt)
}

// Clone возвращает копию, безопасную для изменения
func (p *Participant) Clone() *Participant {
	cp := *p
	return &cp
}
