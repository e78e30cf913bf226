package domain

import (
	"math"
	"time"
)

// GroupStatus статус группы
type GroupStatus string

const (
	GroupStatusRecruiting GroupStatus = "recruiting"
	GroupStatusActive     GroupStatus = "active"
	GroupStatusPaused     GroupStatus = "paused"
	GroupStatusEnded      GroupStatus = "ended"
)

const (
	// MinParticipants - ниже этого числа активных участников группа не может существовать как активная
	MinParticipants = 2
	// MaxParticipantsLimit - верхняя граница размера группы
	MaxParticipantsLimit = 10
)

// Group - совместная подписка, стоимость которой делится между участниками.
// Количество участников никогда не хранится, а всегда считается по записям участников.
type Group struct {
	ID              string      `json:"id"`
	ServiceID       string      `json:"service_id"`
	Title           string      `json:"title"`
	MaxParticipants int         `json:"max_participants"`
	BasePrice       int64       `json:"base_price"`
	Currency        string      `json:"currency"`
	Recurring       bool        `json:"recurring"`
	PriceID         string      `json:"price_id,omitempty"`
	Status          GroupStatus `json:"status"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	RecruitingSince time.Time   `json:"recruiting_since"`
	CreatorID       string      `json:"creator_id"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// IsEnded - Ended терминальный статус
func (g *Group) IsEnded() bool {
	return g.Status == GroupStatusEnded
}

// MonthlyShare считает долю участника: round(base_price / max_participants * (1 + fee_rate)).
func (g *Group) MonthlyShare(feeRate float64) int64 {
	if g.MaxParticipants <= 0 {
		return 0
	}
	share := float64(g.BasePrice) / float64(g.MaxParticipants) * (1 + feeRate)
	return int64(math.Round(share))
}

// GroupSnapshot - группа вместе с посчитанными счетчиками участников
type GroupSnapshot struct {
	Group        Group          `json:"group"`
	ActiveCount  int            `json:"active_count"`
	PendingCount int            `json:"pending_count"`
	Participants []*Participant `json:"participants"`
}

// OpenSlots - свободные места с учетом ожидающих оплаты
func (s *GroupSnapshot) OpenSlots() int {
	open := s.Group.MaxParticipants - s.ActiveCount - s.PendingCount
	if open < 0 {
		return 0
	}
	return open
}
