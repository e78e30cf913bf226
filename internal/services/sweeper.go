package services

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/internal/metrics"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
)

// SweepReport - что сделал один проход очистки
type SweepReport struct {
	Expired     int `json:"expired"`
	Confirmed   int `json:"confirmed"`
	Evicted     int `json:"evicted"`
	Ended       int `json:"ended"`
	Provisioned int `json:"provisioned"`
}

// provisionRetryDelay - сколько ждать после подтверждения оплаты, прежде чем очистка
// повторит создание подписки вместо обработчика, который подтвердил оплату
const provisionRetryDelay = 5 * time.Minute

// Sweeper периодически освобождает места, за которые так и не заплатили,
// выводит участников с истекшим льготным периодом, закрывает заброшенные группы
// и досоздает подписки, которые не удалось создать сразу после оплаты.
type Sweeper struct {
	store        repository.Store
	groups       *GroupRegistry
	participants *ParticipantRegistry
	lc           *lifecycle
	gw           gateway.Gateway
	notifier     *notifier
	provisioner  *Provisioner
	metrics      metrics.SharingMetrics
	opts         Options
	now          func() time.Time
	log          *logger.Logger
}

// Run запускает очистку с интервалом до отмены контекста
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.opts.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.log.Infow("Sweeper started", "interval", interval, "pendingTTL", s.opts.PendingTTL)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("Sweeper stopped")
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Errorw("Sweep failed", "error", err)
				continue
			}
			if *report != (SweepReport{}) {
				s.log.Infow("Sweep finished", "expired", report.Expired, "confirmed", report.Confirmed,
					"evicted", report.Evicted, "ended", report.Ended, "provisioned", report.Provisioned)
			}
		}
	}
}

// SweepOnce выполняет один проход. Ошибки по отдельным записям логируются,
// остальные записи продолжают обрабатываться.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	if err := s.sweepPending(ctx, report); err != nil {
		return report, err
	}
	if err := s.sweepGrace(ctx, report); err != nil {
		return report, err
	}
	if s.opts.RecruitingTimeout > 0 {
		if err := s.sweepRecruiting(ctx, report); err != nil {
			return report, err
		}
	}
	if err := s.sweepUnprovisioned(ctx, report); err != nil {
		return report, err
	}

	s.metrics.IncSweep("expired", report.Expired)
	s.metrics.IncSweep("confirmed", report.Confirmed)
	s.metrics.IncSweep("evicted", report.Evicted)
	s.metrics.IncSweep("ended", report.Ended)
	s.metrics.IncSweep("provisioned", report.Provisioned)
	return report, nil
}

func (s *Sweeper) sweepPending(ctx context.Context, report *SweepReport) error {
	cutoff := s.now().Add(-s.opts.PendingTTL)
	var stale []*domain.Participant
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		stale, err = tx.ListStalePending(ctx, cutoff, s.opts.SweepBatchSize)
		return err
	})
	if err != nil {
		return err
	}

	for _, p := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := s.log.With("participantID", p.ID, "groupID", p.GroupID, "intentID", p.PaymentIntentID)

		// Платеж мог пройти, а вебхук потеряться: сверяемся со шлюзом перед освобождением места
		if p.PaymentIntentID != "" {
			intent, err := s.gw.GetIntent(ctx, p.PaymentIntentID)
			if err != nil {
				log.Warnw("Cannot check stale payment intent, will retry next sweep", "error", err)
				continue
			}
			if intent.Status == gateway.IntentStatusSucceeded {
				if s.confirm(ctx, p, intent) {
					report.Confirmed++
				}
				continue
			}
			if !intent.Status.IsFinal() {
				if err := s.gw.CancelIntent(ctx, p.PaymentIntentID); err != nil {
					log.Warnw("Failed to cancel stale payment intent", "error", err)
					continue
				}
			}
		}

		eff := newEffects()
		var changed bool
		err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
			eff = newEffects()
			tr, err := s.lc.expire(ctx, tx, eff, p.ID, s.now())
			if err != nil {
				return err
			}
			changed = tr.Changed
			return nil
		})
		if err != nil {
			log.Errorw("Failed to expire pending participant", "error", err)
			continue
		}
		s.notifier.flush(ctx, eff)
		if changed {
			report.Expired++
			log.Infow("Pending participant expired")
		}
	}
	return nil
}

func (s *Sweeper) confirm(ctx context.Context, p *domain.Participant, intent *gateway.Intent) bool {
	eff := newEffects()
	var changed bool
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		eff = newEffects()
		now := s.now()
		tr, err := s.lc.activate(ctx, tx, eff, p.ID, now)
		if isRevivalRejected(err) {
			g, gerr := s.groups.Get(ctx, tx, p.GroupID)
			if gerr != nil {
				return gerr
			}
			s.lc.orphaned(eff, p, g, intent.ID, intent.Amount, err, now)
			return nil
		}
		if err != nil {
			return err
		}
		changed = tr.Changed
		return nil
	})
	if err != nil {
		s.log.Errorw("Failed to confirm paid pending participant", "participantID", p.ID, "error", err)
		return false
	}
	s.notifier.flush(ctx, eff)
	for _, id := range eff.provision {
		if err := s.provisioner.Provision(ctx, id); err != nil {
			s.log.Errorw("Failed to provision recurring subscription", "participantID", id, "error", err)
		}
	}
	if changed {
		s.log.Infow("Pending participant confirmed by sweep, webhook was missed", "participantID", p.ID)
	}
	return changed
}

func (s *Sweeper) sweepGrace(ctx context.Context, report *SweepReport) error {
	now := s.now()
	var expired []*domain.Participant
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		expired, err = tx.ListGraceExpired(ctx, now, s.opts.SweepBatchSize)
		return err
	})
	if err != nil {
		return err
	}

	for _, p := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := s.log.With("participantID", p.ID, "groupID", p.GroupID)

		var sub *domain.Subscription
		err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
			var err error
			sub, err = tx.GetSubscriptionByParticipant(ctx, p.ID)
			if errors.Is(err, repository.ErrNotFound) {
				sub, err = nil, nil
			}
			return err
		})
		if err != nil {
			log.Errorw("Failed to load subscription", "error", err)
			continue
		}
		if sub != nil && !sub.IsCanceled() {
			if err := s.gw.CancelSubscription(ctx, sub.ExternalID); err != nil {
				log.Warnw("Failed to cancel subscription after grace period, will retry", "error", err)
				continue
			}
		}

		eff := newEffects()
		var changed bool
		err = s.store.WithinTx(ctx, func(tx repository.Tx) error {
			eff = newEffects()
			changed = false
			cur, _, err := s.participants.load(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			// оплата могла пройти, пока мы отменяли подписку
			if !cur.InGrace() || cur.GraceUntil.After(now) {
				return nil
			}
			tr, err := s.lc.leave(ctx, tx, eff, p.ID, "grace_expired", 0, now)
			if err != nil {
				return err
			}
			changed = tr.Changed
			if sub != nil && !sub.IsCanceled() {
				cp := *sub
				cp.Status = domain.SubscriptionStatusCanceled
				cp.CanceledAt = timePtr(now.UTC())
				cp.UpdatedAt = now.UTC()
				return tx.UpsertSubscription(ctx, &cp)
			}
			return nil
		})
		if err != nil {
			log.Errorw("Failed to evict participant after grace period", "error", err)
			continue
		}
		s.notifier.flush(ctx, eff)
		if changed {
			report.Evicted++
			log.Infow("Participant evicted after grace period")
		}
	}
	return nil
}

// sweepRecruiting закрывает группы, в которых кроме создателя так никто и не оплатил место
func (s *Sweeper) sweepRecruiting(ctx context.Context, report *SweepReport) error {
	now := s.now()
	cutoff := now.Add(-s.opts.RecruitingTimeout)
	var groups []*domain.Group
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		groups, err = tx.ListRecruitingSince(ctx, cutoff, s.opts.SweepBatchSize)
		return err
	})
	if err != nil {
		return err
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		eff := newEffects()
		var ended bool
		var pendingIntents []string
		err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
			eff = newEffects()
			ended, pendingIntents = false, nil
			cur, err := s.groups.lock(ctx, tx, g.ID)
			if err != nil {
				return err
			}
			if cur.Status != domain.GroupStatusRecruiting || !cur.RecruitingSince.Before(cutoff) {
				return nil
			}
			active, err := tx.CountParticipants(ctx, g.ID, domain.ParticipantStatusActive)
			if err != nil {
				return err
			}
			if active >= domain.MinParticipants {
				return nil
			}
			pending, err := tx.ListParticipants(ctx, g.ID, domain.ParticipantStatusPending)
			if err != nil {
				return err
			}
			for _, p := range pending {
				if p.PaymentIntentID != "" {
					pendingIntents = append(pendingIntents, p.PaymentIntentID)
				}
			}
			ended = true
			return endGroup(ctx, tx, s.groups, s.lc, eff, g.ID, "recruiting_timeout", now)
		})
		if err != nil {
			s.log.Errorw("Failed to end abandoned group", "groupID", g.ID, "error", err)
			continue
		}
		s.notifier.flush(ctx, eff)
		for _, intentID := range pendingIntents {
			if err := s.gw.CancelIntent(ctx, intentID); err != nil {
				s.log.Warnw("Failed to cancel payment intent of ended group", "groupID", g.ID, "intentID", intentID, "error", err)
			}
		}
		if ended {
			report.Ended++
			s.log.Infow("Abandoned group ended", "groupID", g.ID, "recruitingSince", g.RecruitingSince)
		}
	}
	return nil
}

// sweepUnprovisioned повторяет создание регулярной подписки для активных участников,
// у которых ее нет: первая попытка после оплаты могла упасть на ошибке провайдера
func (s *Sweeper) sweepUnprovisioned(ctx context.Context, report *SweepReport) error {
	cutoff := s.now().Add(-provisionRetryDelay)
	var pending []*domain.Participant
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		pending, err = tx.ListUnprovisioned(ctx, cutoff, s.opts.SweepBatchSize)
		return err
	})
	if err != nil {
		return err
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.provisioner.Provision(ctx, p.ID); err != nil {
			s.log.Warnw("Failed to provision recurring subscription, will retry next sweep",
				"participantID", p.ID, "groupID", p.GroupID, "error", err)
			continue
		}
		report.Provisioned++
		s.log.Infow("Recurring subscription provisioned by sweep", "participantID", p.ID, "groupID", p.GroupID)
	}
	return nil
}
