package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
)

// Transition - результат перехода участника
type Transition struct {
	Participant    *domain.Participant
	Group          *domain.Group
	Changed        bool
	GroupActivated bool
	GroupDemoted   bool
}

// ParticipantRegistry - автомат состояний участника:
//
//	Pending -> Active | PaymentFailed | Left
//	Active  -> PaymentFailed | Left
//	PaymentFailed -> Active (только при свободном месте в набирающей группе)
//	Left - терминальный
//
// Запись участника меняется только под блокировкой его группы.
type ParticipantRegistry struct {
	groups *GroupRegistry
	now    func() time.Time
}

func NewParticipantRegistry(groups *GroupRegistry, now func() time.Time) *ParticipantRegistry {
	if now == nil {
		now = time.Now
	}
	return &ParticipantRegistry{groups: groups, now: now}
}

// load блокирует группу участника и перечитывает запись уже под блокировкой
func (r *ParticipantRegistry) load(ctx context.Context, tx repository.Tx, id string) (*domain.Participant, *domain.Group, error) {
	p, err := tx.GetParticipant(ctx, id)
	if err != nil {
		return nil, nil, notFound(err, domain.EntityParticipant, id)
	}
	g, err := r.groups.lock(ctx, tx, p.GroupID)
	if err != nil {
		return nil, nil, err
	}
	p, err = tx.GetParticipant(ctx, id)
	if err != nil {
		return nil, nil, notFound(err, domain.EntityParticipant, id)
	}
	return p, g, nil
}

// Get возвращает участника без блокировки
func (r *ParticipantRegistry) Get(ctx context.Context, tx repository.Tx, id string) (*domain.Participant, error) {
	p, err := tx.GetParticipant(ctx, id)
	if err != nil {
		return nil, notFound(err, domain.EntityParticipant, id)
	}
	return p, nil
}

func (r *ParticipantRegistry) save(ctx context.Context, tx repository.Tx, p *domain.Participant) error {
	p.UpdatedAt = r.now().UTC()
	if err := tx.UpdateParticipant(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.ErrAlreadyJoined
		}
		return fmt.Errorf("update participant: %w", err)
	}
	return nil
}

func (r *ParticipantRegistry) finish(ctx context.Context, tx repository.Tx, tr *Transition) (*Transition, error) {
	g, err := r.groups.Get(ctx, tx, tr.Participant.GroupID)
	if err != nil {
		return nil, err
	}
	tr.Group = g
	return tr, nil
}

// MarkActive подтверждает оплату участника и пробует активировать группу.
// Повторный вызов для активного участника ничего не меняет.
func (r *ParticipantRegistry) MarkActive(ctx context.Context, tx repository.Tx, id string, confirmedAt time.Time) (*Transition, error) {
	p, g, err := r.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case domain.ParticipantStatusActive:
		return &Transition{Participant: p, Group: g}, nil
	case domain.ParticipantStatusLeft:
		return nil, domain.NewInvalidTransitionError(p.ID, p.Status, domain.ParticipantStatusActive)
	case domain.ParticipantStatusPaymentFailed:
		if err := r.checkRevival(ctx, tx, p, g); err != nil {
			return nil, err
		}
	}

	p.Status = domain.ParticipantStatusActive
	p.PaymentConfirmedAt = timePtr(confirmedAt.UTC())
	p.GraceUntil = nil
	p.LeftAt = nil
	if err := r.save(ctx, tx, p); err != nil {
		return nil, err
	}

	activated, err := r.groups.TryActivate(ctx, tx, p.GroupID)
	if err != nil {
		return nil, err
	}
	return r.finish(ctx, tx, &Transition{Participant: p, Changed: true, GroupActivated: activated})
}

// checkRevival - PaymentFailed участник возвращается, только если место еще свободно
func (r *ParticipantRegistry) checkRevival(ctx context.Context, tx repository.Tx, p *domain.Participant, g *domain.Group) error {
	if g.Status != domain.GroupStatusRecruiting {
		return domain.ErrGroupNotRecruiting
	}
	_, err := tx.FindParticipantByUser(ctx, p.GroupID, p.UserID, domain.SlotHoldingStatuses...)
	switch {
	case err == nil:
		return domain.ErrAlreadyJoined
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("find participant: %w", err)
	}
	holding, err := tx.CountParticipants(ctx, p.GroupID, domain.SlotHoldingStatuses...)
	if err != nil {
		return fmt.Errorf("count participants: %w", err)
	}
	if holding >= g.MaxParticipants {
		return domain.ErrGroupFull
	}
	return nil
}

// MarkFailed переводит участника в PaymentFailed и освобождает место
func (r *ParticipantRegistry) MarkFailed(ctx context.Context, tx repository.Tx, id string) (*Transition, error) {
	p, g, err := r.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return r.markFailed(ctx, tx, p, g)
}

// Expire - как MarkFailed, но только для участника, который все еще ждет оплаты
func (r *ParticipantRegistry) Expire(ctx context.Context, tx repository.Tx, id string) (*Transition, error) {
	p, g, err := r.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ParticipantStatusPending {
		return &Transition{Participant: p, Group: g}, nil
	}
	return r.markFailed(ctx, tx, p, g)
}

func (r *ParticipantRegistry) markFailed(ctx context.Context, tx repository.Tx, p *domain.Participant, g *domain.Group) (*Transition, error) {
	switch p.Status {
	case domain.ParticipantStatusPaymentFailed:
		return &Transition{Participant: p, Group: g}, nil
	case domain.ParticipantStatusLeft:
		return nil, domain.NewInvalidTransitionError(p.ID, p.Status, domain.ParticipantStatusPaymentFailed)
	}
	if p.IsCreator {
		return nil, domain.NewInvalidTransitionError(p.ID, p.Status, domain.ParticipantStatusPaymentFailed)
	}

	wasActive := p.Status == domain.ParticipantStatusActive
	p.Status = domain.ParticipantStatusPaymentFailed
	p.GraceUntil = nil
	if err := r.save(ctx, tx, p); err != nil {
		return nil, err
	}

	tr := &Transition{Participant: p, Changed: true}
	if wasActive {
		demoted, err := r.groups.DemoteIfUndersized(ctx, tx, p.GroupID)
		if err != nil {
			return nil, err
		}
		tr.GroupDemoted = demoted
	}
	return r.finish(ctx, tx, tr)
}

// MarkLeft завершает участие. Повторный вызов ничего не меняет,
// из PaymentFailed выйти нельзя: место уже освобождено.
func (r *ParticipantRegistry) MarkLeft(ctx context.Context, tx repository.Tx, id string, leftAt time.Time) (*Transition, error) {
	p, g, err := r.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case domain.ParticipantStatusLeft:
		return &Transition{Participant: p, Group: g}, nil
	case domain.ParticipantStatusPaymentFailed:
		return nil, domain.NewInvalidTransitionError(p.ID, p.Status, domain.ParticipantStatusLeft)
	}

	wasActive := p.Status == domain.ParticipantStatusActive
	p.Status = domain.ParticipantStatusLeft
	p.LeftAt = timePtr(leftAt.UTC())
	p.GraceUntil = nil
	if err := r.save(ctx, tx, p); err != nil {
		return nil, err
	}

	tr := &Transition{Participant: p, Changed: true}
	if wasActive {
		demoted, err := r.groups.DemoteIfUndersized(ctx, tx, p.GroupID)
		if err != nil {
			return nil, err
		}
		tr.GroupDemoted = demoted
	}
	return r.finish(ctx, tx, tr)
}

// EnterGrace открывает льготный период после неудачного регулярного списания
func (r *ParticipantRegistry) EnterGrace(ctx context.Context, tx repository.Tx, id string, until time.Time) (*Transition, error) {
	p, g, err := r.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ParticipantStatusActive {
		return nil, domain.NewInvalidTransitionError(p.ID, p.Status, domain.ParticipantStatusActive)
	}
	if p.GraceUntil != nil {
		return &Transition{Participant: p, Group: g}, nil
	}

	p.GraceUntil = timePtr(until.UTC())
	if err := r.save(ctx, tx, p); err != nil {
		return nil, err
	}
	return &Transition{Participant: p, Group: g, Changed: true}, nil
}

// ClearGrace закрывает льготный период после успешного списания
func (r *ParticipantRegistry) ClearGrace(ctx context.Context, tx repository.Tx, id string) (*Transition, error) {
	p, g, err := r.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.GraceUntil == nil {
		return &Transition{Participant: p, Group: g}, nil
	}

	p.GraceUntil = nil
	if err := r.save(ctx, tx, p); err != nil {
		return nil, err
	}
	return &Transition{Participant: p, Group: g, Changed: true}, nil
}

// AttachIntent запоминает платеж, созданный для участника
func (r *ParticipantRegistry) AttachIntent(ctx context.Context, tx repository.Tx, id, intentID string) (*domain.Participant, error) {
	p, _, err := r.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.PaymentIntentID == intentID {
		return p, nil
	}
	p.PaymentIntentID = intentID
	if err := r.save(ctx, tx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordEvent сдвигает отметку последнего примененного события; назад она не двигается
func (r *ParticipantRegistry) RecordEvent(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	p, _, err := r.load(ctx, tx, id)
	if err != nil {
		return err
	}
	if p.LastEventAt != nil && !at.After(*p.LastEventAt) {
		return nil
	}
	p.LastEventAt = timePtr(at.UTC())
	return r.save(ctx, tx, p)
}
