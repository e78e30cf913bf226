package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/internal/metrics"
	"github.com/Dhoini/Sharing-microservice/internal/proration"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
)

// JoinInput - запрос на вступление в группу
type JoinInput struct {
	GroupID  string
	UserID   string
	Nickname string
	Email    string
}

// JoinResult - зарезервированное место и платеж, который клиент должен подтвердить
type JoinResult struct {
	ParticipantID string `json:"participant_id"`
	IntentID      string `json:"payment_intent_id"`
	ClientSecret  string `json:"client_secret"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// ConfirmResult - состояние после ручной сверки платежа
type ConfirmResult struct {
	ParticipantID     string                   `json:"participant_id"`
	ParticipantStatus domain.ParticipantStatus `json:"participant_status"`
	GroupStatus       domain.GroupStatus       `json:"group_status"`
	IntentStatus      gateway.IntentStatus     `json:"payment_status"`
}

// LeaveResult - итог выхода из группы
type LeaveResult struct {
	RefundProcessed       bool  `json:"refund_processed"`
	RefundAmount          int64 `json:"refund_amount"`
	DaysRemaining         int   `json:"days_remaining"`
	RemainingParticipants int   `json:"remaining_participants"`
}

// Coordinator - синхронные сценарии пользователя: вступление, подтверждение оплаты, выход.
// Блокировка группы держится только на время резервирования и финализации,
// вызовы платежного шлюза выполняются вне транзакции.
type Coordinator struct {
	store        repository.Store
	groups       *GroupRegistry
	participants *ParticipantRegistry
	lc           *lifecycle
	gw           gateway.Gateway
	cache        repository.GroupViewCache
	notifier     *notifier
	provisioner  *Provisioner
	metrics      metrics.SharingMetrics
	opts         Options
	now          func() time.Time
	log          *logger.Logger
}

// CreateGroup создает группу; создатель сразу становится активным участником
func (c *Coordinator) CreateGroup(ctx context.Context, in CreateGroupInput) (*domain.GroupSnapshot, error) {
	if in.Currency == "" {
		in.Currency = c.opts.Currency
	}

	var snap *domain.GroupSnapshot
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		g, _, err := c.groups.Create(ctx, tx, in)
		if err != nil {
			return err
		}
		snap, err = c.groups.Snapshot(ctx, tx, g.ID)
		return err
	})
	if err != nil {
		c.log.Warnw("Failed to create group", "creatorID", in.CreatorID, "serviceID", in.ServiceID, "error", err)
		return nil, err
	}

	c.log.Infow("Group created", "groupID", snap.Group.ID, "creatorID", in.CreatorID,
		"maxParticipants", snap.Group.MaxParticipants, "recurring", snap.Group.Recurring)
	c.metrics.IncGroupTransition(string(domain.GroupStatusRecruiting))
	return snap, nil
}

// GetGroup читает группу через кэш
func (c *Coordinator) GetGroup(ctx context.Context, groupID string) (*domain.GroupSnapshot, error) {
	if snap, err := c.cache.Get(ctx, groupID); err != nil {
		c.log.Warnw("Group cache read failed", "groupID", groupID, "error", err)
	} else if snap != nil {
		return snap, nil
	}

	var snap *domain.GroupSnapshot
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		snap, err = c.groups.Snapshot(ctx, tx, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, snap); err != nil {
		c.log.Warnw("Group cache write failed", "groupID", groupID, "error", err)
	}
	return snap, nil
}

// Join резервирует место и создает платеж. Если шлюз вернул ошибку, резерв снимается
// и место освобождается.
func (c *Coordinator) Join(ctx context.Context, in JoinInput) (*JoinResult, error) {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.GroupID) == "" {
		return nil, fmt.Errorf("group and user are required: %w", domain.ErrInvalidInput)
	}
	log := c.log.With("groupID", in.GroupID, "userID", in.UserID)

	var p *domain.Participant
	var g *domain.Group
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		p, err = c.groups.ReserveSlot(ctx, tx, in.GroupID, &domain.Participant{
			UserID:   in.UserID,
			Nickname: in.Nickname,
			Email:    in.Email,
		})
		if err != nil {
			return err
		}
		g, err = c.groups.Get(ctx, tx, in.GroupID)
		return err
	})
	if err != nil {
		c.metrics.IncJoin(joinResult(err))
		log.Infow("Join rejected", "error", err)
		return nil, err
	}
	c.invalidate(ctx, g.ID)
	log = log.With("participantID", p.ID)
	log.Infow("Slot reserved, creating payment intent", "amount", p.MonthlyCost)

	intent, err := c.createIntent(ctx, g, p)
	if err != nil {
		log.Warnw("Payment intent creation failed, releasing slot", "error", err)
		c.release(ctx, p.ID, "", "intent_failed")
		c.metrics.IncJoin("gateway_error")
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	err = c.store.WithinTx(ctx, func(tx repository.Tx) error {
		_, err := c.participants.AttachIntent(ctx, tx, p.ID, intent.ID)
		return err
	})
	if err != nil {
		log.Errorw("Failed to attach payment intent, releasing slot", "intentID", intent.ID, "error", err)
		c.release(ctx, p.ID, intent.ID, "attach_failed")
		c.metrics.IncJoin("error")
		return nil, fmt.Errorf("attach payment intent: %w", err)
	}

	c.metrics.IncJoin("reserved")
	log.Infow("Join pending payment", "intentID", intent.ID)
	return &JoinResult{
		ParticipantID: p.ID,
		IntentID:      intent.ID,
		ClientSecret:  intent.ClientSecret,
		Amount:        intent.Amount,
		Currency:      g.Currency,
	}, nil
}

func (c *Coordinator) createIntent(ctx context.Context, g *domain.Group, p *domain.Participant) (*gateway.Intent, error) {
	req := gateway.CreateIntentRequest{
		Amount:         p.MonthlyCost,
		Currency:       g.Currency,
		IdempotencyKey: "join-" + p.ID,
		Description:    fmt.Sprintf("Share of %s", g.Title),
		Metadata: map[string]string{
			gateway.MetadataParticipantID: p.ID,
			gateway.MetadataGroupID:       g.ID,
			gateway.MetadataUserID:        p.UserID,
		},
	}
	if g.Recurring {
		customerID, err := c.gw.GetOrCreateCustomer(ctx, p.UserID, p.Email)
		if err != nil {
			return nil, err
		}
		req.CustomerID = customerID
		req.SetupFutureUsage = true
	}
	return c.gw.CreateIntent(ctx, req)
}

// release снимает резерв. Выполняется даже если контекст запроса уже отменен.
func (c *Coordinator) release(ctx context.Context, participantID, intentID, reason string) {
	ctx = context.WithoutCancel(ctx)
	if intentID != "" {
		if err := c.gw.CancelIntent(ctx, intentID); err != nil {
			c.log.Warnw("Failed to cancel payment intent", "intentID", intentID, "error", err)
		}
	}

	eff := newEffects()
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		_, err := c.lc.expire(ctx, tx, eff, participantID, c.now())
		return err
	})
	if err != nil {
		c.log.Errorw("Failed to release reserved slot", "participantID", participantID, "reason", reason, "error", err)
		return
	}
	c.notifier.flush(ctx, eff)
}

// ConfirmPayment сверяет платеж со шлюзом, не дожидаясь вебхука
func (c *Coordinator) ConfirmPayment(ctx context.Context, groupID, userID, intentID string) (*ConfirmResult, error) {
	if intentID == "" {
		return nil, fmt.Errorf("payment intent id is required: %w", domain.ErrInvalidInput)
	}
	log := c.log.With("groupID", groupID, "userID", userID, "intentID", intentID)

	var p *domain.Participant
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		p, err = tx.FindParticipantByIntent(ctx, intentID)
		if err != nil {
			return notFound(err, domain.EntityParticipant, intentID)
		}
		if p.GroupID != groupID || p.UserID != userID {
			return domain.NewNotFoundError(domain.EntityParticipant, intentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	intent, err := c.gw.GetIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}

	eff := newEffects()
	var cause error
	err = c.store.WithinTx(ctx, func(tx repository.Tx) error {
		eff = newEffects()
		cause = nil
		now := c.now()
		switch intent.Status {
		case gateway.IntentStatusSucceeded:
			_, err := c.lc.activate(ctx, tx, eff, p.ID, now)
			if isRevivalRejected(err) {
				g, gerr := c.groups.Get(ctx, tx, p.GroupID)
				if gerr != nil {
					return gerr
				}
				c.lc.orphaned(eff, p, g, intentID, intent.Amount, err, now)
				cause = err
				return nil
			}
			return err
		case gateway.IntentStatusCanceled:
			_, err := c.lc.fail(ctx, tx, eff, p.ID, "payment_canceled", now)
			if errors.Is(err, domain.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.notifier.flush(ctx, eff)
	c.provisionAll(ctx, eff)

	if cause != nil {
		log.Warnw("Payment succeeded but the slot is gone", "error", cause)
		return nil, cause
	}

	res := &ConfirmResult{IntentStatus: intent.Status}
	err = c.store.WithinTx(ctx, func(tx repository.Tx) error {
		cur, err := c.participants.Get(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		g, err := c.groups.Get(ctx, tx, cur.GroupID)
		if err != nil {
			return err
		}
		res.ParticipantID = cur.ID
		res.ParticipantStatus = cur.Status
		res.GroupStatus = g.Status
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infow("Payment confirmed", "intentStatus", intent.Status, "participantStatus", res.ParticipantStatus)
	return res, nil
}

type leaveTarget struct {
	participant  *domain.Participant
	group        *domain.Group
	subscription *domain.Subscription
}

func (c *Coordinator) loadLeaveTarget(ctx context.Context, tx repository.Tx, p *domain.Participant) (*leaveTarget, error) {
	g, err := c.groups.Get(ctx, tx, p.GroupID)
	if err != nil {
		return nil, err
	}
	t := &leaveTarget{participant: p, group: g}
	sub, err := tx.GetSubscriptionByParticipant(ctx, p.ID)
	switch {
	case err == nil:
		t.subscription = sub
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	return t, nil
}

// Leave возвращает неиспользованную часть оплаты и завершает участие.
// Сумма возврата фиксируется в записи Refund до обращения к провайдеру: повторный
// вызов после сбоя использует ту же сумму и ключ, а подтвержденный возврат не повторяет.
// Пока возврат и отмена подписки не прошли, участник остается активным.
func (c *Coordinator) Leave(ctx context.Context, groupID, userID string) (*LeaveResult, error) {
	log := c.log.With("groupID", groupID, "userID", userID)
	now := c.now().UTC()

	var (
		target *leaveTarget
		refund *domain.Refund
	)
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		target, refund = nil, nil
		if _, err := c.groups.lock(ctx, tx, groupID); err != nil {
			return err
		}
		p, err := tx.FindParticipantByUser(ctx, groupID, userID, domain.ParticipantStatusActive)
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrNotActiveParticipant
		}
		if err != nil {
			return err
		}
		if p.IsCreator {
			return domain.ErrCreatorCannotLeave
		}
		if target, err = c.loadLeaveTarget(ctx, tx, p); err != nil {
			return err
		}
		refund, err = c.prepareRefund(ctx, tx, target, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	p, g := target.participant, target.group

	res := &LeaveResult{}
	if refund != nil {
		res.RefundAmount = refund.Amount
		res.DaysRemaining = refund.DaysRemaining
		if err := c.issueRefund(ctx, refund); err != nil {
			log.Warnw("Refund failed, participant stays active", "participantID", p.ID, "amount", refund.Amount, "error", err)
			return nil, err
		}
		res.RefundProcessed = true
	}

	if err := c.cancelSubscription(ctx, target.subscription); err != nil {
		log.Warnw("Subscription cancel failed, participant stays active", "participantID", p.ID, "error", err)
		return nil, err
	}

	eff := newEffects()
	err = c.store.WithinTx(ctx, func(tx repository.Tx) error {
		eff = newEffects()
		if _, err := c.lc.leave(ctx, tx, eff, p.ID, "left", res.RefundAmount, now); err != nil {
			return err
		}
		if err := c.markSubscriptionCanceled(ctx, tx, target.subscription, now); err != nil {
			return err
		}
		remaining, err := tx.CountParticipants(ctx, g.ID, domain.ParticipantStatusActive)
		res.RemainingParticipants = remaining
		return err
	})
	if err != nil {
		log.Errorw("Refund issued but finalizing leave failed", "participantID", p.ID, "error", err)
		return nil, err
	}
	c.notifier.flush(ctx, eff)

	log.Infow("Participant left group", "participantID", p.ID, "refund", res.RefundAmount, "remaining", res.RemainingParticipants)
	return res, nil
}

// prepareRefund возвращает записанный ранее возврат участника или фиксирует новый.
// nil означает, что возвращать нечего.
func (c *Coordinator) prepareRefund(ctx context.Context, tx repository.Tx, t *leaveTarget, now time.Time) (*domain.Refund, error) {
	p, g := t.participant, t.group
	existing, err := tx.GetRefundByParticipant(ctx, p.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	var period proration.Period
	if t.subscription != nil {
		period = proration.Period{Start: t.subscription.CurrentPeriodStart, End: t.subscription.CurrentPeriodEnd}
	}
	calc := proration.Compute(p.MonthlyCost, now, period)

	intentID := p.PaymentIntentID
	if t.subscription != nil && t.subscription.LatestIntentID != "" {
		intentID = t.subscription.LatestIntentID
	}
	if calc.Refund <= 0 || intentID == "" {
		return nil, nil
	}

	refund := &domain.Refund{
		ParticipantID:  p.ID,
		GroupID:        g.ID,
		IntentID:       intentID,
		Amount:         calc.Refund,
		Currency:       g.Currency,
		DaysRemaining:  calc.DaysRemaining,
		IdempotencyKey: domain.RefundKey(p.ID),
		Status:         domain.RefundStatusPending,
		CreatedAt:      now,
	}
	if err := tx.InsertRefund(ctx, refund); err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	return refund, nil
}

// issueRefund отправляет записанный возврат провайдеру, если он еще не подтвержден
func (c *Coordinator) issueRefund(ctx context.Context, refund *domain.Refund) error {
	if refund.IsProcessed() {
		return nil
	}
	out, err := c.gw.Refund(ctx, gateway.RefundRequest{
		IntentID:       refund.IntentID,
		Amount:         refund.Amount,
		IdempotencyKey: refund.IdempotencyKey,
		Reason:         "requested_by_customer",
		Metadata: map[string]string{
			gateway.MetadataParticipantID: refund.ParticipantID,
			gateway.MetadataGroupID:       refund.GroupID,
			"days_remaining":              strconv.Itoa(refund.DaysRemaining),
		},
	})
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	c.metrics.ObserveRefund(refund.Amount, refund.Currency)

	refund.ExternalID = out.ID
	refund.Status = domain.RefundStatusSucceeded
	refund.ProcessedAt = timePtr(c.now().UTC())
	err = c.store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.UpdateRefund(ctx, refund)
	})
	if err != nil {
		return fmt.Errorf("save refund %s: %w", out.ID, err)
	}
	return nil
}

// RemoveParticipant - создатель исключает участника без возврата
func (c *Coordinator) RemoveParticipant(ctx context.Context, groupID, actorID, participantID string) error {
	var target *leaveTarget
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		g, err := c.groups.Get(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if g.CreatorID != actorID {
			return domain.ErrForbidden
		}
		p, err := c.participants.Get(ctx, tx, participantID)
		if err != nil {
			return err
		}
		if p.GroupID != groupID {
			return domain.NewNotFoundError(domain.EntityParticipant, participantID)
		}
		if p.IsCreator {
			return domain.ErrCreatorCannotLeave
		}
		target, err = c.loadLeaveTarget(ctx, tx, p)
		return err
	})
	if err != nil {
		return err
	}
	p := target.participant
	if p.Status == domain.ParticipantStatusLeft {
		return nil
	}

	if p.Status == domain.ParticipantStatusPending && p.PaymentIntentID != "" {
		if err := c.gw.CancelIntent(ctx, p.PaymentIntentID); err != nil {
			c.log.Warnw("Failed to cancel payment intent of removed participant", "participantID", p.ID, "error", err)
		}
	}
	if err := c.cancelSubscription(ctx, target.subscription); err != nil {
		return err
	}

	now := c.now().UTC()
	eff := newEffects()
	err = c.store.WithinTx(ctx, func(tx repository.Tx) error {
		eff = newEffects()
		if _, err := c.lc.leave(ctx, tx, eff, p.ID, "removed", 0, now); err != nil {
			return err
		}
		return c.markSubscriptionCanceled(ctx, tx, target.subscription, now)
	})
	if err != nil {
		return err
	}
	c.notifier.flush(ctx, eff)
	c.log.Infow("Participant removed by creator", "groupID", groupID, "participantID", p.ID)
	return nil
}

// EndGroup - создатель закрывает группу: все участники выходят, подписки отменяются
func (c *Coordinator) EndGroup(ctx context.Context, groupID, actorID string) error {
	var holding []*domain.Participant
	var subs []*domain.Subscription
	var ended bool
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		holding, subs = nil, nil
		g, err := c.groups.Get(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if g.CreatorID != actorID {
			return domain.ErrForbidden
		}
		if ended = g.IsEnded(); ended {
			return nil
		}
		holding, err = tx.ListParticipants(ctx, groupID, domain.SlotHoldingStatuses...)
		if err != nil {
			return err
		}
		for _, p := range holding {
			sub, err := tx.GetSubscriptionByParticipant(ctx, p.ID)
			if err == nil {
				subs = append(subs, sub)
			} else if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil || ended {
		return err
	}

	for _, sub := range subs {
		if err := c.cancelSubscription(ctx, sub); err != nil {
			return err
		}
	}
	for _, p := range holding {
		if p.Status == domain.ParticipantStatusPending && p.PaymentIntentID != "" {
			if err := c.gw.CancelIntent(ctx, p.PaymentIntentID); err != nil {
				c.log.Warnw("Failed to cancel payment intent", "participantID", p.ID, "error", err)
			}
		}
	}

	now := c.now().UTC()
	eff := newEffects()
	err = c.store.WithinTx(ctx, func(tx repository.Tx) error {
		eff = newEffects()
		return endGroup(ctx, tx, c.groups, c.lc, eff, groupID, "ended_by_creator", now)
	})
	if err != nil {
		return err
	}
	for _, sub := range subs {
		sub := sub
		err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
			return c.markSubscriptionCanceled(ctx, tx, sub, now)
		})
		if err != nil {
			c.log.Warnw("Failed to mark subscription canceled", "groupID", groupID, "subscriptionID", sub.ExternalID, "error", err)
		}
	}
	c.notifier.flush(ctx, eff)
	c.log.Infow("Group ended by creator", "groupID", groupID, "participants", len(holding))
	return nil
}

// endGroup закрывает группу и выводит всех, кто еще занимает место. Группа закрывается
// первой, чтобы выходы участников не возвращали ее в набор.
func endGroup(ctx context.Context, tx repository.Tx, groups *GroupRegistry, lc *lifecycle, eff *effects, groupID, reason string, at time.Time) error {
	changed, err := groups.End(ctx, tx, groupID)
	if err != nil || !changed {
		return err
	}
	holding, err := tx.ListParticipants(ctx, groupID, domain.SlotHoldingStatuses...)
	if err != nil {
		return err
	}
	for _, p := range holding {
		if _, err := lc.leave(ctx, tx, eff, p.ID, reason, 0, at); err != nil {
			return err
		}
	}
	g, err := groups.Get(ctx, tx, groupID)
	if err != nil {
		return err
	}
	eff.emit(groupEvent(domain.EventGroupEnded, g, reason, at))
	eff.transitions = append(eff.transitions, domain.GroupStatusEnded)
	return nil
}

func (c *Coordinator) cancelSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub == nil || sub.IsCanceled() {
		return nil
	}
	if err := c.gw.CancelSubscription(ctx, sub.ExternalID); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

func (c *Coordinator) markSubscriptionCanceled(ctx context.Context, tx repository.Tx, sub *domain.Subscription, at time.Time) error {
	if sub == nil || sub.IsCanceled() {
		return nil
	}
	cp := *sub
	cp.Status = domain.SubscriptionStatusCanceled
	cp.CanceledAt = timePtr(at)
	cp.UpdatedAt = at
	return tx.UpsertSubscription(ctx, &cp)
}

func (c *Coordinator) provisionAll(ctx context.Context, eff *effects) {
	for _, id := range eff.provision {
		if err := c.provisioner.Provision(context.WithoutCancel(ctx), id); err != nil {
			c.log.Errorw("Failed to provision recurring subscription", "participantID", id, "error", err)
		}
	}
}

func (c *Coordinator) invalidate(ctx context.Context, groupID string) {
	if err := c.cache.Invalidate(context.WithoutCancel(ctx), groupID); err != nil {
		c.log.Warnw("Failed to invalidate group cache", "groupID", groupID, "error", err)
	}
}

func joinResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrGroupFull):
		return "full"
	case errors.Is(err, domain.ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, domain.ErrGroupNotRecruiting):
		return "not_recruiting"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
