package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"

	"github.com/google/uuid"
)

// CreateGroupInput - параметры новой группы
type CreateGroupInput struct {
	CreatorID       string
	Nickname        string
	Email           string
	ServiceID       string
	Title           string
	MaxParticipants int
	BasePrice       int64
	Currency        string
	Recurring       bool
	PriceID         string
}

// Validate проверяет параметры группы
func (in CreateGroupInput) Validate() error {
	var errs domain.ValidationErrors
	if strings.TrimSpace(in.CreatorID) == "" {
		errs.Add("creator_id", "is required")
	}
	if strings.TrimSpace(in.ServiceID) == "" {
		errs.Add("service_id", "is required")
	}
	if in.MaxParticipants < domain.MinParticipants || in.MaxParticipants > domain.MaxParticipantsLimit {
		errs.Add("max_participants", fmt.Sprintf("must be between %d and %d", domain.MinParticipants, domain.MaxParticipantsLimit))
	}
	if in.BasePrice <= 0 {
		errs.Add("base_price", "must be positive")
	}
	if in.Recurring && strings.TrimSpace(in.PriceID) == "" {
		errs.Add("price_id", "is required for recurring groups")
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// GroupRegistry управляет жизненным циклом группы: Recruiting -> Active -> (Recruiting) -> Ended.
// Все методы, меняющие состояние, берут блокировку группы в переданной транзакции.
type GroupRegistry struct {
	feeRate float64
	now     func() time.Time
}

func NewGroupRegistry(feeRate float64, now func() time.Time) *GroupRegistry {
	if now == nil {
		now = time.Now
	}
	return &GroupRegistry{feeRate: feeRate, now: now}
}

// FeeRate - комиссия сервиса, добавляемая к доле участника
func (r *GroupRegistry) FeeRate() float64 {
	return r.feeRate
}

// Create создает группу в статусе Recruiting вместе с активным создателем
func (r *GroupRegistry) Create(ctx context.Context, tx repository.Tx, in CreateGroupInput) (*domain.Group, *domain.Participant, error) {
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}

	now := r.now().UTC()
	g := &domain.Group{
		ID:              uuid.NewString(),
		ServiceID:       in.ServiceID,
		Title:           in.Title,
		MaxParticipants: in.MaxParticipants,
		BasePrice:       in.BasePrice,
		Currency:        strings.ToLower(in.Currency),
		Recurring:       in.Recurring,
		PriceID:         in.PriceID,
		Status:          domain.GroupStatusRecruiting,
		RecruitingSince: now,
		CreatorID:       in.CreatorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.InsertGroup(ctx, g); err != nil {
		return nil, nil, fmt.Errorf("insert group: %w", err)
	}

	// Создатель занимает место сразу и считается оплатившим
	creator := &domain.Participant{
		ID:                 uuid.NewString(),
		GroupID:            g.ID,
		UserID:             in.CreatorID,
		Nickname:           in.Nickname,
		Email:              in.Email,
		Status:             domain.ParticipantStatusActive,
		IsCreator:          true,
		MonthlyCost:        g.MonthlyShare(r.feeRate),
		PaymentConfirmedAt: timePtr(now),
		JoinedAt:           now,
		UpdatedAt:          now,
	}
	if err := tx.InsertParticipant(ctx, creator); err != nil {
		return nil, nil, fmt.Errorf("insert creator: %w", err)
	}
	return g, creator, nil
}

// Get возвращает группу без блокировки
func (r *GroupRegistry) Get(ctx context.Context, tx repository.Tx, groupID string) (*domain.Group, error) {
	g, err := tx.GetGroup(ctx, groupID)
	if err != nil {
		return nil, notFound(err, domain.EntityGroup, groupID)
	}
	return g, nil
}

func (r *GroupRegistry) lock(ctx context.Context, tx repository.Tx, groupID string) (*domain.Group, error) {
	g, err := tx.LockGroup(ctx, groupID)
	if err != nil {
		return nil, notFound(err, domain.EntityGroup, groupID)
	}
	return g, nil
}

// ReserveSlot атомарно проверяет свободное место и создает участника в статусе Pending.
// Pending участники занимают место, поэтому два конкурентных вызова за последнее место
// не могут оба пройти: проверка и вставка выполняются под блокировкой группы.
func (r *GroupRegistry) ReserveSlot(ctx context.Context, tx repository.Tx, groupID string, candidate *domain.Participant) (*domain.Participant, error) {
	g, err := r.lock(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status != domain.GroupStatusRecruiting {
		return nil, domain.ErrGroupNotRecruiting
	}

	_, err = tx.FindParticipantByUser(ctx, groupID, candidate.UserID, domain.SlotHoldingStatuses...)
	switch {
	case err == nil:
		return nil, domain.ErrAlreadyJoined
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("find participant: %w", err)
	}

	holding, err := tx.CountParticipants(ctx, groupID, domain.SlotHoldingStatuses...)
	if err != nil {
		return nil, fmt.Errorf("count participants: %w", err)
	}
	if holding >= g.MaxParticipants {
		return nil, domain.ErrGroupFull
	}

	now := r.now().UTC()
	p := candidate.Clone()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.GroupID = groupID
	p.Status = domain.ParticipantStatusPending
	p.IsCreator = false
	p.MonthlyCost = g.MonthlyShare(r.feeRate)
	p.JoinedAt = now
	p.UpdatedAt = now

	if err := tx.InsertParticipant(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.ErrAlreadyJoined
		}
		return nil, fmt.Errorf("insert participant: %w", err)
	}
	return p, nil
}

// TryActivate переводит Recruiting группу в Active, когда все места заняты
// участниками с подтвержденной оплатой. Для уже активной группы ничего не делает.
func (r *GroupRegistry) TryActivate(ctx context.Context, tx repository.Tx, groupID string) (bool, error) {
	g, err := r.lock(ctx, tx, groupID)
	if err != nil {
		return false, err
	}
	if g.Status != domain.GroupStatusRecruiting {
		return false, nil
	}

	active, err := tx.ListParticipants(ctx, groupID, domain.ParticipantStatusActive)
	if err != nil {
		return false, fmt.Errorf("list active participants: %w", err)
	}
	if len(active) != g.MaxParticipants {
		return false, nil
	}
	for _, p := range active {
		if !p.HasConfirmedPayment() {
			return false, nil
		}
	}

	now := r.now().UTC()
	g.Status = domain.GroupStatusActive
	g.StartedAt = timePtr(now)
	g.UpdatedAt = now
	if err := tx.UpdateGroup(ctx, g); err != nil {
		return false, fmt.Errorf("update group: %w", err)
	}
	return true, nil
}

// DemoteIfUndersized возвращает Active группу в Recruiting, если активных участников меньше минимума
func (r *GroupRegistry) DemoteIfUndersized(ctx context.Context, tx repository.Tx, groupID string) (bool, error) {
	g, err := r.lock(ctx, tx, groupID)
	if err != nil {
		return false, err
	}
	if g.Status != domain.GroupStatusActive {
		return false, nil
	}

	active, err := tx.CountParticipants(ctx, groupID, domain.ParticipantStatusActive)
	if err != nil {
		return false, fmt.Errorf("count active participants: %w", err)
	}
	if active >= domain.MinParticipants {
		return false, nil
	}

	now := r.now().UTC()
	g.Status = domain.GroupStatusRecruiting
	g.StartedAt = nil
	g.RecruitingSince = now
	g.UpdatedAt = now
	if err := tx.UpdateGroup(ctx, g); err != nil {
		return false, fmt.Errorf("update group: %w", err)
	}
	return true, nil
}

// End переводит группу в терминальный статус Ended
func (r *GroupRegistry) End(ctx context.Context, tx repository.Tx, groupID string) (bool, error) {
	g, err := r.lock(ctx, tx, groupID)
	if err != nil {
		return false, err
	}
	if g.IsEnded() {
		return false, nil
	}

	g.Status = domain.GroupStatusEnded
	g.UpdatedAt = r.now().UTC()
	if err := tx.UpdateGroup(ctx, g); err != nil {
		return false, fmt.Errorf("update group: %w", err)
	}
	return true, nil
}

// Snapshot собирает представление группы с посчитанными счетчиками
func (r *GroupRegistry) Snapshot(ctx context.Context, tx repository.Tx, groupID string) (*domain.GroupSnapshot, error) {
	g, err := r.Get(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	holding, err := tx.ListParticipants(ctx, groupID, domain.SlotHoldingStatuses...)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	snap := &domain.GroupSnapshot{Group: *g, Participants: holding}
	for _, p := range holding {
		switch p.Status {
		case domain.ParticipantStatusActive:
			snap.ActiveCount++
		case domain.ParticipantStatusPending:
			snap.PendingCount++
		}
	}
	return snap, nil
}
