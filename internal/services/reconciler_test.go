package services

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleIsIdempotent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 4, false)
	joined := env.join(t, g.Group.ID, "u1")

	ev := env.succeeded(joined.ParticipantID, joined.IntentID, testStart)
	first, err := env.svc.Reconciler.Handle(ctx, ev)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, domain.OutcomeActivated, first.Outcome)
	before := env.participant(t, joined.ParticipantID)

	second, err := env.svc.Reconciler.Handle(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, before, env.participant(t, joined.ParticipantID))
	assert.Equal(t, 1, env.pub.count(domain.EventParticipantActivated))

	err = env.store.WithinTx(ctx, func(tx repository.Tx) error {
		n, err := tx.CountEvents(ctx)
		assert.Equal(t, 1, n)
		stored, gerr := tx.GetEvent(ctx, ev.EventID)
		require.NoError(t, gerr)
		assert.Equal(t, domain.OutcomeActivated, stored.Outcome)
		assert.Equal(t, joined.ParticipantID, stored.ParticipantID)
		return err
	})
	require.NoError(t, err)
}

// Итоговое состояние определяется временем событий, а не порядком доставки
func TestHandleConvergesRegardlessOfDeliveryOrder(t *testing.T) {
	t1 := testStart
	t2 := testStart.Add(time.Minute)

	tests := []struct {
		name      string
		succeedAt time.Time
		failAt    time.Time
		want      domain.ParticipantStatus
	}{
		{"failure is newer", t1, t2, domain.ParticipantStatusPaymentFailed},
		{"success is newer", t2, t1, domain.ParticipantStatusActive},
	}
	for _, tt := range tests {
		for _, successFirst := range []bool{true, false} {
			name := tt.name + "/failure first"
			if successFirst {
				name = tt.name + "/success first"
			}
			t.Run(name, func(t *testing.T) {
				env := newEnv(t)
				ctx := context.Background()
				g := env.createGroup(t, 4, false)
				joined := env.join(t, g.Group.ID, "u1")

				ok := env.succeeded(joined.ParticipantID, joined.IntentID, tt.succeedAt)
				fail := env.failed(joined.ParticipantID, joined.IntentID, tt.failAt)
				order := []domain.NormalizedEvent{fail, ok}
				if successFirst {
					order = []domain.NormalizedEvent{ok, fail}
				}
				for _, ev := range order {
					_, err := env.svc.Reconciler.Handle(ctx, ev)
					require.NoError(t, err)
				}

				p := env.participant(t, joined.ParticipantID)
				assert.Equal(t, tt.want, p.Status)
				require.NotNil(t, p.LastEventAt)
				assert.True(t, p.LastEventAt.Equal(t2))
			})
		}
	}
}

func TestHandleStaleEventIsRecorded(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 4, false)
	joined := env.join(t, g.Group.ID, "u1")

	_, err := env.svc.Reconciler.Handle(ctx, env.succeeded(joined.ParticipantID, joined.IntentID, testStart.Add(time.Hour)))
	require.NoError(t, err)

	res, err := env.svc.Reconciler.Handle(ctx, env.failed(joined.ParticipantID, joined.IntentID, testStart))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, res.Outcome)
	assert.Equal(t, domain.ParticipantStatusActive, env.participant(t, joined.ParticipantID).Status)
}

func TestHandleHappyPathActivatesGroup(t *testing.T) {
	env := newEnv(t)
	g := env.createGroup(t, 4, false)

	var last *JoinResult
	for _, user := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, domain.GroupStatusRecruiting, env.group(t, g.Group.ID).Status)
		last = env.joinAndPay(t, g.Group.ID, user)
		env.clock.Advance(time.Minute)
	}

	group := env.group(t, g.Group.ID)
	assert.Equal(t, domain.GroupStatusActive, group.Status)
	require.NotNil(t, group.StartedAt)
	assert.Equal(t, 4, env.count(t, g.Group.ID, domain.ParticipantStatusActive))
	assert.Equal(t, 3, env.pub.count(domain.EventParticipantActivated))
	assert.Equal(t, 1, env.pub.count(domain.EventGroupActivated))

	p := env.participant(t, last.ParticipantID)
	assert.True(t, p.HasConfirmedPayment())
	assert.Equal(t, last.IntentID, p.PaymentIntentID)
}

func TestHandleResolvesByIntentAndReportsUnresolved(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 4, false)
	joined := env.join(t, g.Group.ID, "u1")

	byIntent := domain.NormalizedEvent{
		EventID:    "evt_intent_only",
		OccurredAt: testStart,
		Payload:    domain.IntentSucceeded{IntentID: joined.IntentID},
	}
	res, err := env.svc.Reconciler.Handle(ctx, byIntent)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, res.Outcome)
	assert.Equal(t, joined.ParticipantID, res.ParticipantID)

	unknown := domain.NormalizedEvent{
		EventID:    "evt_unknown",
		OccurredAt: testStart,
		Payload:    domain.IntentSucceeded{IntentID: "pi_nobody"},
	}
	res, err = env.svc.Reconciler.Handle(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnresolved, res.Outcome)
	assert.Empty(t, res.ParticipantID)
}

func TestHandleIgnoresFailureOfSupersededIntent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 4, false)
	joined := env.join(t, g.Group.ID, "u1")

	res, err := env.svc.Reconciler.Handle(ctx, env.failed(joined.ParticipantID, "pi_old", testStart))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoop, res.Outcome)
	assert.Equal(t, domain.ParticipantStatusPending, env.participant(t, joined.ParticipantID).Status)
}

func TestHandleRevivesFailedParticipantWhenSlotIsFree(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 4, false)
	joined := env.join(t, g.Group.ID, "u1")

	_, err := env.svc.Reconciler.Handle(ctx, env.failed(joined.ParticipantID, joined.IntentID, testStart))
	require.NoError(t, err)
	require.Equal(t, domain.ParticipantStatusPaymentFailed, env.participant(t, joined.ParticipantID).Status)

	res, err := env.svc.Reconciler.Handle(ctx, env.succeeded(joined.ParticipantID, joined.IntentID, testStart.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, res.Outcome)
	assert.Equal(t, domain.ParticipantStatusActive, env.participant(t, joined.ParticipantID).Status)
}

func TestHandlePublishesOrphanedPaymentWhenSlotIsGone(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 2, false)
	first := env.join(t, g.Group.ID, "u1")

	_, err := env.svc.Reconciler.Handle(ctx, env.failed(first.ParticipantID, first.IntentID, testStart))
	require.NoError(t, err)

	// место освободилось и ушло другому пользователю
	env.clock.Advance(time.Minute)
	env.joinAndPay(t, g.Group.ID, "u2")
	require.Equal(t, domain.GroupStatusActive, env.group(t, g.Group.ID).Status)

	res, err := env.svc.Reconciler.Handle(ctx, env.succeeded(first.ParticipantID, first.IntentID, testStart.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOrphaned, res.Outcome)
	assert.Equal(t, domain.ParticipantStatusPaymentFailed, env.participant(t, first.ParticipantID).Status)
	assert.Equal(t, 1, env.pub.count(domain.EventPaymentOrphaned))
	assert.Equal(t, 2, env.count(t, g.Group.ID, domain.ParticipantStatusActive))
}

func TestHandleRecurringBillingLifecycle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 3, true)
	joined := env.joinAndPay(t, g.Group.ID, "u1")

	sub := env.subscription(t, joined.ParticipantID)
	assert.Equal(t, joined.IntentID, sub.LatestIntentID)
	assert.Equal(t, 1, env.gw.Calls("create_subscription"))

	failedAt := testStart.Add(24 * time.Hour)
	res, err := env.svc.Reconciler.Handle(ctx, domain.NormalizedEvent{
		EventID:    "evt_invoice_failed",
		OccurredAt: failedAt,
		Payload:    domain.InvoiceFailed{InvoiceID: "in_1", SubscriptionID: sub.ExternalID, AttemptCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeGrace, res.Outcome)

	p := env.participant(t, joined.ParticipantID)
	require.True(t, p.InGrace())
	assert.True(t, p.GraceUntil.Equal(failedAt.Add(DefaultOptions().GracePeriod)))
	assert.Equal(t, 1, env.pub.count(domain.EventParticipantGrace))

	period := domain.BillingPeriod{Start: testStart.AddDate(0, 1, 0), End: testStart.AddDate(0, 2, 0)}
	res, err = env.svc.Reconciler.Handle(ctx, domain.NormalizedEvent{
		EventID:    "evt_invoice_paid",
		OccurredAt: failedAt.Add(time.Hour),
		Payload:    domain.InvoicePaid{InvoiceID: "in_1", SubscriptionID: sub.ExternalID, IntentID: "pi_renewal", Period: period},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePeriodRefreshed, res.Outcome)
	assert.False(t, env.participant(t, joined.ParticipantID).InGrace())

	sub = env.subscription(t, joined.ParticipantID)
	assert.Equal(t, "pi_renewal", sub.LatestIntentID)
	assert.True(t, sub.CurrentPeriodEnd.Equal(period.End))
}

func TestHandleSubscriptionDeletedRemovesParticipant(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 2, true)
	joined := env.joinAndPay(t, g.Group.ID, "u1")
	require.Equal(t, domain.GroupStatusActive, env.group(t, g.Group.ID).Status)
	sub := env.subscription(t, joined.ParticipantID)

	res, err := env.svc.Reconciler.Handle(ctx, domain.NormalizedEvent{
		EventID:    "evt_sub_deleted",
		OccurredAt: testStart.Add(time.Hour),
		Payload:    domain.SubscriptionDeleted{SubscriptionID: sub.ExternalID},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLeft, res.Outcome)
	assert.Equal(t, domain.ParticipantStatusLeft, env.participant(t, joined.ParticipantID).Status)
	assert.True(t, env.subscription(t, joined.ParticipantID).IsCanceled())
	assert.Equal(t, domain.GroupStatusRecruiting, env.group(t, g.Group.ID).Status)
	assert.Equal(t, 1, env.pub.count(domain.EventGroupDemoted))
}

func TestHandleInvoiceFailedForPendingParticipantIsRejected(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 4, false)
	joined := env.join(t, g.Group.ID, "u1")

	res, err := env.svc.Reconciler.Handle(ctx, domain.NormalizedEvent{
		EventID:    "evt_invoice_failed",
		Ref:        domain.ParticipantRef{GroupID: g.Group.ID, UserID: "u1"},
		OccurredAt: testStart,
		Payload:    domain.InvoiceFailed{InvoiceID: "in_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.ParticipantStatusPending, env.participant(t, joined.ParticipantID).Status)
}

func TestHandleRejectsEventWithoutID(t *testing.T) {
	env := newEnv(t)
	_, err := env.svc.Reconciler.Handle(context.Background(), domain.NormalizedEvent{Payload: domain.IntentFailed{}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
