package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/metrics"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/google/uuid"
)

// ReconcileResult - итог обработки одного события провайдера
type ReconcileResult struct {
	EventID       string
	Duplicate     bool
	Outcome       domain.EventOutcome
	ParticipantID string
	GroupID       string
}

// Reconciler применяет события платежного провайдера к состоянию участников.
// Каждое событие обрабатывается не больше одного раза: его ID записывается в той же
// транзакции, что и изменения состояния.
type Reconciler struct {
	store        repository.Store
	participants *ParticipantRegistry
	lc           *lifecycle
	notifier     *notifier
	provisioner  *Provisioner
	metrics      metrics.SharingMetrics
	grace        time.Duration
	now          func() time.Time
	log          *logger.Logger
}

// Handle обрабатывает нормализованное событие. Ошибка означает, что событие не записано
// и провайдер должен доставить его повторно.
func (r *Reconciler) Handle(ctx context.Context, ev domain.NormalizedEvent) (*ReconcileResult, error) {
	if ev.EventID == "" || ev.Payload == nil {
		return nil, fmt.Errorf("event without id or payload: %w", domain.ErrInvalidInput)
	}
	log := r.log.With("eventID", ev.EventID, "kind", ev.Kind())

	var res *ReconcileResult
	var eff *effects
	err := r.store.WithinTx(ctx, func(tx repository.Tx) error {
		res = &ReconcileResult{EventID: ev.EventID}
		eff = newEffects()

		record := &domain.PaymentEvent{
			EventID:     ev.EventID,
			Kind:        ev.Kind(),
			OccurredAt:  ev.OccurredAt.UTC(),
			ProcessedAt: r.now().UTC(),
			Outcome:     domain.OutcomePending,
			Payload:     ev.Raw,
		}
		if err := tx.InsertEvent(ctx, record); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				res.Duplicate = true
				return nil
			}
			return fmt.Errorf("record event: %w", err)
		}

		outcome, err := r.apply(ctx, tx, eff, ev, res)
		if err != nil {
			return err
		}
		res.Outcome = outcome
		return tx.UpdateEventOutcome(ctx, ev.EventID, outcome, res.ParticipantID, res.GroupID)
	})
	if err != nil {
		log.Errorw("Failed to reconcile payment event", "error", err)
		return nil, err
	}

	if res.Duplicate {
		log.Infow("Payment event already processed, skipping")
		r.metrics.IncWebhookEvent(string(ev.Kind()), "duplicate")
		return res, nil
	}

	r.notifier.flush(ctx, eff)
	r.metrics.IncWebhookEvent(string(ev.Kind()), string(res.Outcome))
	log.Infow("Payment event reconciled",
		"outcome", res.Outcome, "participantID", res.ParticipantID, "groupID", res.GroupID)

	for _, id := range eff.provision {
		if err := r.provisioner.Provision(context.WithoutCancel(ctx), id); err != nil {
			log.Errorw("Failed to provision recurring subscription", "participantID", id, "error", err)
		}
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tx repository.Tx, eff *effects, ev domain.NormalizedEvent, res *ReconcileResult) (domain.EventOutcome, error) {
	p, err := r.resolve(ctx, tx, ev)
	if errors.Is(err, repository.ErrNotFound) {
		r.log.Warnw("Payment event does not match any participant",
			"eventID", ev.EventID, "ref", ev.Ref, "intentID", ev.IntentID(), "subscriptionID", ev.SubscriptionExternalID())
		return domain.OutcomeUnresolved, nil
	}
	if err != nil {
		return "", err
	}

	// Перечитываем под блокировкой группы, чтобы проверка порядка и переход были атомарны
	p, _, err = r.participants.load(ctx, tx, p.ID)
	if err != nil {
		return "", err
	}
	res.ParticipantID = p.ID
	res.GroupID = p.GroupID

	if p.IsStale(ev.OccurredAt) {
		r.log.Infow("Skipping out-of-order payment event",
			"eventID", ev.EventID, "participantID", p.ID, "occurredAt", ev.OccurredAt, "lastEventAt", p.LastEventAt)
		return domain.OutcomeStale, nil
	}

	outcome, err := r.dispatch(ctx, tx, eff, p, ev)
	if errors.Is(err, domain.ErrInvalidTransition) {
		r.log.Warnw("Payment event rejected by participant state machine",
			"eventID", ev.EventID, "participantID", p.ID, "status", p.Status, "error", err)
		return domain.OutcomeRejected, nil
	}
	if err != nil {
		return "", err
	}

	if outcome != domain.OutcomeOrphaned {
		if err := r.participants.RecordEvent(ctx, tx, p.ID, ev.OccurredAt); err != nil {
			return "", err
		}
	}
	return outcome, nil
}

// resolve ищет участника: по ID из метаданных, по паре группа/пользователь,
// по ID подписки и, наконец, по ID платежа
func (r *Reconciler) resolve(ctx context.Context, tx repository.Tx, ev domain.NormalizedEvent) (*domain.Participant, error) {
	if id := ev.Ref.ParticipantID; id != "" {
		p, err := tx.GetParticipant(ctx, id)
		if err == nil || !errors.Is(err, repository.ErrNotFound) {
			return p, err
		}
	}
	if ev.Ref.GroupID != "" && ev.Ref.UserID != "" {
		p, err := tx.FindParticipantByUser(ctx, ev.Ref.GroupID, ev.Ref.UserID)
		if err == nil || !errors.Is(err, repository.ErrNotFound) {
			return p, err
		}
	}
	if subID := ev.SubscriptionExternalID(); subID != "" {
		sub, err := tx.GetSubscriptionByExternalID(ctx, subID)
		if err == nil {
			return tx.GetParticipant(ctx, sub.ParticipantID)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	if intentID := ev.IntentID(); intentID != "" {
		return tx.FindParticipantByIntent(ctx, intentID)
	}
	return nil, repository.ErrNotFound
}

// dispatch - switch по закрытому набору типов; новый тип без обработчика - ошибка
func (r *Reconciler) dispatch(ctx context.Context, tx repository.Tx, eff *effects, p *domain.Participant, ev domain.NormalizedEvent) (domain.EventOutcome, error) {
	at := ev.OccurredAt
	switch payload := ev.Payload.(type) {
	case domain.IntentSucceeded:
		return r.onIntentSucceeded(ctx, tx, eff, p, payload.IntentID, payload.Amount, at)
	case domain.IntentFailed:
		return r.onIntentFailed(ctx, tx, eff, p, payload, at)
	case domain.SubscriptionUpdated:
		return r.onSubscriptionUpdated(ctx, tx, p, payload, at)
	case domain.SubscriptionDeleted:
		return r.onSubscriptionDeleted(ctx, tx, eff, p, payload, at)
	case domain.InvoicePaid:
		return r.onInvoicePaid(ctx, tx, eff, p, payload, at)
	case domain.InvoiceFailed:
		return r.onInvoiceFailed(ctx, tx, eff, p, payload, at)
	default:
		return "", fmt.Errorf("no handler for event payload %T", ev.Payload)
	}
}

func (r *Reconciler) onIntentSucceeded(ctx context.Context, tx repository.Tx, eff *effects, p *domain.Participant, intentID string, amount int64, at time.Time) (domain.EventOutcome, error) {
	if p.PaymentIntentID == "" && intentID != "" {
		if _, err := r.participants.AttachIntent(ctx, tx, p.ID, intentID); err != nil {
			return "", err
		}
	}

	tr, err := r.lc.activate(ctx, tx, eff, p.ID, at)
	if isRevivalRejected(err) {
		g, gerr := r.participants.groups.Get(ctx, tx, p.GroupID)
		if gerr != nil {
			return "", gerr
		}
		r.log.Warnw("Payment succeeded but the slot is gone, publishing orphaned payment",
			"participantID", p.ID, "intentID", intentID, "reason", err)
		r.lc.orphaned(eff, p, g, intentID, amount, err, at)
		return domain.OutcomeOrphaned, nil
	}
	if err != nil {
		return "", err
	}
	if !tr.Changed {
		return domain.OutcomeNoop, nil
	}
	return domain.OutcomeActivated, nil
}

func (r *Reconciler) onIntentFailed(ctx context.Context, tx repository.Tx, eff *effects, p *domain.Participant, payload domain.IntentFailed, at time.Time) (domain.EventOutcome, error) {
	// Отказ по старому платежу не должен ронять запись, оплаченную другим платежом
	if payload.IntentID != "" && p.PaymentIntentID != "" && payload.IntentID != p.PaymentIntentID {
		return domain.OutcomeNoop, nil
	}
	tr, err := r.lc.fail(ctx, tx, eff, p.ID, payload.Reason, at)
	if err != nil {
		return "", err
	}
	if !tr.Changed {
		return domain.OutcomeNoop, nil
	}
	return domain.OutcomeFailed, nil
}

// subscriptionFor возвращает подписку участника или новую запись, если вебхук пришел раньше,
// чем подписка сохранена после создания
func (r *Reconciler) subscriptionFor(ctx context.Context, tx repository.Tx, p *domain.Participant, externalID string) (*domain.Subscription, error) {
	sub, err := tx.GetSubscriptionByParticipant(ctx, p.ID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	now := r.now().UTC()
	return &domain.Subscription{
		ID:            uuid.NewString(),
		ParticipantID: p.ID,
		ExternalID:    externalID,
		Status:        domain.SubscriptionStatusIncomplete,
		CreatedAt:     now,
	}, nil
}

func (r *Reconciler) saveSubscription(ctx context.Context, tx repository.Tx, sub *domain.Subscription) error {
	sub.UpdatedAt = r.now().UTC()
	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *Reconciler) onSubscriptionUpdated(ctx context.Context, tx repository.Tx, p *domain.Participant, payload domain.SubscriptionUpdated, at time.Time) (domain.EventOutcome, error) {
	sub, err := r.subscriptionFor(ctx, tx, p, payload.SubscriptionID)
	if err != nil {
		return "", err
	}
	if payload.SubscriptionID != "" {
		sub.ExternalID = payload.SubscriptionID
	}
	if payload.Status != "" {
		sub.Status = payload.Status
	}
	if !payload.Period.IsZero() {
		sub.CurrentPeriodStart = payload.Period.Start.UTC()
		sub.CurrentPeriodEnd = payload.Period.End.UTC()
	}
	if sub.Status == domain.SubscriptionStatusCanceled && sub.CanceledAt == nil {
		sub.CanceledAt = timePtr(at.UTC())
	}
	if err := r.saveSubscription(ctx, tx, sub); err != nil {
		return "", err
	}
	return domain.OutcomePeriodRefreshed, nil
}

func (r *Reconciler) onSubscriptionDeleted(ctx context.Context, tx repository.Tx, eff *effects, p *domain.Participant, payload domain.SubscriptionDeleted, at time.Time) (domain.EventOutcome, error) {
	sub, err := r.subscriptionFor(ctx, tx, p, payload.SubscriptionID)
	if err != nil {
		return "", err
	}
	sub.Status = domain.SubscriptionStatusCanceled
	if sub.CanceledAt == nil {
		sub.CanceledAt = timePtr(at.UTC())
	}
	if err := r.saveSubscription(ctx, tx, sub); err != nil {
		return "", err
	}

	if p.Status == domain.ParticipantStatusLeft {
		return domain.OutcomeNoop, nil
	}
	tr, err := r.lc.leave(ctx, tx, eff, p.ID, "subscription_deleted", 0, at)
	if err != nil {
		return "", err
	}
	if !tr.Changed {
		return domain.OutcomeNoop, nil
	}
	return domain.OutcomeLeft, nil
}

func (r *Reconciler) onInvoicePaid(ctx context.Context, tx repository.Tx, eff *effects, p *domain.Participant, payload domain.InvoicePaid, at time.Time) (domain.EventOutcome, error) {
	if p.Status == domain.ParticipantStatusLeft {
		r.log.Warnw("Invoice paid for a participant who already left", "participantID", p.ID, "invoiceID", payload.InvoiceID)
		return domain.OutcomeNoop, nil
	}

	sub, err := r.subscriptionFor(ctx, tx, p, payload.SubscriptionID)
	if err != nil {
		return "", err
	}
	if payload.SubscriptionID != "" {
		sub.ExternalID = payload.SubscriptionID
	}
	sub.Status = domain.SubscriptionStatusActive
	if !payload.Period.IsZero() {
		sub.CurrentPeriodStart = payload.Period.Start.UTC()
		sub.CurrentPeriodEnd = payload.Period.End.UTC()
	}
	if payload.IntentID != "" {
		sub.LatestIntentID = payload.IntentID
	}
	if err := r.saveSubscription(ctx, tx, sub); err != nil {
		return "", err
	}

	if p.Status != domain.ParticipantStatusActive {
		return r.onIntentSucceeded(ctx, tx, eff, p, payload.IntentID, p.MonthlyCost, at)
	}
	if _, err := r.participants.ClearGrace(ctx, tx, p.ID); err != nil {
		return "", err
	}
	return domain.OutcomePeriodRefreshed, nil
}

func (r *Reconciler) onInvoiceFailed(ctx context.Context, tx repository.Tx, eff *effects, p *domain.Participant, payload domain.InvoiceFailed, at time.Time) (domain.EventOutcome, error) {
	tr, err := r.participants.EnterGrace(ctx, tx, p.ID, at.Add(r.grace))
	if err != nil {
		return "", err
	}
	if !tr.Changed {
		return domain.OutcomeNoop, nil
	}

	ev := participantEvent(domain.EventParticipantGrace, tr, at)
	ev.Attributes = map[string]string{
		"invoice_id":  payload.InvoiceID,
		"grace_until": tr.Participant.GraceUntil.Format(time.RFC3339),
	}
	eff.emit(ev)
	return domain.OutcomeGrace, nil
}
