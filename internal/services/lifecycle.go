package services

import (
	"context"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
)

// lifecycle вызывает переходы регистра и складывает их последствия в effects.
// Им пользуются координатор, обработчик событий и очистка.
type lifecycle struct {
	participants *ParticipantRegistry
}

func participantEvent(t domain.DomainEventType, tr *Transition, at time.Time) domain.DomainEvent {
	p := tr.Participant
	ev := domain.DomainEvent{
		Type:          t,
		GroupID:       p.GroupID,
		ParticipantID: p.ID,
		UserID:        p.UserID,
		Amount:        p.MonthlyCost,
		OccurredAt:    at.UTC(),
	}
	if tr.Group != nil {
		ev.Currency = tr.Group.Currency
	}
	return ev
}

func groupEvent(t domain.DomainEventType, g *domain.Group, reason string, at time.Time) domain.DomainEvent {
	return domain.DomainEvent{
		Type:       t,
		GroupID:    g.ID,
		Currency:   g.Currency,
		Reason:     reason,
		OccurredAt: at.UTC(),
	}
}

func (l *lifecycle) record(eff *effects, tr *Transition, at time.Time) {
	if tr.Group == nil {
		return
	}
	if tr.GroupActivated {
		eff.emit(groupEvent(domain.EventGroupActivated, tr.Group, "", at))
		eff.transitions = append(eff.transitions, domain.GroupStatusActive)
	}
	if tr.GroupDemoted {
		eff.emit(groupEvent(domain.EventGroupDemoted, tr.Group, "undersized", at))
		eff.transitions = append(eff.transitions, domain.GroupStatusRecruiting)
	}
}

func (l *lifecycle) activate(ctx context.Context, tx repository.Tx, eff *effects, id string, at time.Time) (*Transition, error) {
	tr, err := l.participants.MarkActive(ctx, tx, id, at)
	if err != nil {
		return nil, err
	}
	if tr.Changed {
		eff.emit(participantEvent(domain.EventParticipantActivated, tr, at))
		if tr.Group.Recurring && !tr.Participant.IsCreator {
			eff.provision = append(eff.provision, tr.Participant.ID)
		}
	}
	l.record(eff, tr, at)
	return tr, nil
}

func (l *lifecycle) fail(ctx context.Context, tx repository.Tx, eff *effects, id, reason string, at time.Time) (*Transition, error) {
	tr, err := l.participants.MarkFailed(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	l.failed(eff, tr, reason, at)
	return tr, nil
}

func (l *lifecycle) expire(ctx context.Context, tx repository.Tx, eff *effects, id string, at time.Time) (*Transition, error) {
	tr, err := l.participants.Expire(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	l.failed(eff, tr, "payment_timeout", at)
	return tr, nil
}

func (l *lifecycle) failed(eff *effects, tr *Transition, reason string, at time.Time) {
	if tr.Changed {
		ev := participantEvent(domain.EventParticipantFailed, tr, at)
		ev.Reason = reason
		eff.emit(ev)
	}
	l.record(eff, tr, at)
}

func (l *lifecycle) leave(ctx context.Context, tx repository.Tx, eff *effects, id, reason string, refund int64, at time.Time) (*Transition, error) {
	tr, err := l.participants.MarkLeft(ctx, tx, id, at)
	if err != nil {
		return nil, err
	}
	if tr.Changed {
		ev := participantEvent(domain.EventParticipantLeft, tr, at)
		ev.Amount = refund
		ev.Reason = reason
		eff.emit(ev)
	}
	l.record(eff, tr, at)
	return tr, nil
}

// orphaned фиксирует платеж, прошедший для участника, которому уже нельзя выдать место
func (l *lifecycle) orphaned(eff *effects, p *domain.Participant, g *domain.Group, intentID string, amount int64, cause error, at time.Time) {
	ev := domain.DomainEvent{
		Type:          domain.EventPaymentOrphaned,
		GroupID:       p.GroupID,
		ParticipantID: p.ID,
		UserID:        p.UserID,
		Amount:        amount,
		Reason:        cause.Error(),
		Attributes:    map[string]string{"intent_id": intentID},
		OccurredAt:    at.UTC(),
	}
	if g != nil {
		ev.Currency = g.Currency
	}
	eff.emit(ev)
	eff.orphaned++
}
