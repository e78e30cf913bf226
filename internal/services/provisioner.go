package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/google/uuid"
)

// Provisioner создает регулярную подписку у провайдера для участника recurring группы
// после подтверждения первого платежа. Первый месяц оплачен платежом за вступление,
// поэтому подписка начинает списания через месяц после подтверждения.
type Provisioner struct {
	store repository.Store
	gw    gateway.Gateway
	now   func() time.Time
	log   *logger.Logger
}

func NewProvisioner(store repository.Store, gw gateway.Gateway, now func() time.Time, log *logger.Logger) *Provisioner {
	if now == nil {
		now = time.Now
	}
	return &Provisioner{store: store, gw: gw, now: now, log: log}
}

type provisionTarget struct {
	participant *domain.Participant
	group       *domain.Group
}

// Provision идемпотентен: при существующей подписке ничего не делает
func (p *Provisioner) Provision(ctx context.Context, participantID string) error {
	var target *provisionTarget
	err := p.store.WithinTx(ctx, func(tx repository.Tx) error {
		target = nil
		part, err := tx.GetParticipant(ctx, participantID)
		if err != nil {
			return notFound(err, domain.EntityParticipant, participantID)
		}
		if part.Status != domain.ParticipantStatusActive || part.IsCreator {
			return nil
		}
		g, err := tx.GetGroup(ctx, part.GroupID)
		if err != nil {
			return notFound(err, domain.EntityGroup, part.GroupID)
		}
		if !g.Recurring {
			return nil
		}
		if _, err := tx.GetSubscriptionByParticipant(ctx, participantID); err == nil {
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		target = &provisionTarget{participant: part, group: g}
		return nil
	})
	if err != nil || target == nil {
		return err
	}

	part, g := target.participant, target.group
	log := p.log.With("participantID", part.ID, "groupID", g.ID)

	var paymentMethodID string
	if part.PaymentIntentID != "" {
		in, err := p.gw.GetIntent(ctx, part.PaymentIntentID)
		if err != nil {
			return fmt.Errorf("get payment intent: %w", err)
		}
		paymentMethodID = in.PaymentMethodID
	}

	customerID, err := p.gw.GetOrCreateCustomer(ctx, part.UserID, part.Email)
	if err != nil {
		return fmt.Errorf("get or create customer: %w", err)
	}

	confirmed := p.now().UTC()
	if part.PaymentConfirmedAt != nil {
		confirmed = part.PaymentConfirmedAt.UTC()
	}
	anchor := confirmed.AddDate(0, 1, 0)

	info, err := p.gw.CreateSubscription(ctx, gateway.CreateSubscriptionRequest{
		CustomerID:      customerID,
		PriceID:         g.PriceID,
		PaymentMethodID: paymentMethodID,
		AnchorAt:        anchor,
		IdempotencyKey:  "subscription-" + part.ID,
		Metadata: map[string]string{
			gateway.MetadataParticipantID: part.ID,
			gateway.MetadataGroupID:       g.ID,
			gateway.MetadataUserID:        part.UserID,
		},
	})
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	now := p.now().UTC()
	sub := &domain.Subscription{
		ID:                 uuid.NewString(),
		ParticipantID:      part.ID,
		ExternalID:         info.ID,
		Status:             info.Status,
		CurrentPeriodStart: confirmed,
		CurrentPeriodEnd:   anchor,
		LatestIntentID:     part.PaymentIntentID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = p.store.WithinTx(ctx, func(tx repository.Tx) error {
		// вебхук подписки мог успеть создать запись раньше нас
		existing, err := tx.GetSubscriptionByParticipant(ctx, part.ID)
		if err == nil {
			sub.ID = existing.ID
			sub.CreatedAt = existing.CreatedAt
			if !existing.Period().IsZero() {
				sub.CurrentPeriodStart = existing.CurrentPeriodStart
				sub.CurrentPeriodEnd = existing.CurrentPeriodEnd
			}
			if existing.Status != "" && existing.Status != domain.SubscriptionStatusIncomplete {
				sub.Status = existing.Status
			}
			sub.CanceledAt = existing.CanceledAt
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return tx.UpsertSubscription(ctx, sub)
	})
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	log.Infow("Recurring subscription provisioned", "subscriptionID", info.ID, "anchor", anchor)
	return nil
}
