package domain

import "time"

// SubscriptionStatus статус регулярной подписки у платежного провайдера
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
)

// BillingPeriod - границы текущего расчетного периода
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero сообщает, что период не задан
func (p BillingPeriod) IsZero() bool {
	return p.Start.IsZero() || p.End.IsZero() || !p.End.After(p.Start)
}

// Subscription связывает активного участника с регулярным списанием у провайдера.
type Subscription struct {
	ID                 string             `json:"id"`
	ParticipantID      string             `json:"participant_id"`
	ExternalID         string             `json:"external_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	LatestIntentID     string             `json:"latest_intent_id,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Period возвращает текущий расчетный период
func (s *Subscription) Period() BillingPeriod {
	return BillingPeriod{Start: s.CurrentPeriodStart, End: s.CurrentPeriodEnd}
}

// IsCanceled сообщает, отменена ли подписка
func (s *Subscription) IsCanceled() bool {
	return s.Status == SubscriptionStatusCanceled || s.CanceledAt != nil
}
