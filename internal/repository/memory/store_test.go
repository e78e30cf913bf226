package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func seedGroup(t *testing.T, s *Store) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertGroup(context.Background(), &domain.Group{
			ID: "g1", MaxParticipants: 3, BasePrice: 3000, Status: domain.GroupStatusRecruiting,
			RecruitingSince: t0, CreatorID: "creator",
		})
	})
	require.NoError(t, err)
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore(logger.NewNop())
	seedGroup(t, s)

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.InsertParticipant(ctx, &domain.Participant{ID: "p1", GroupID: "g1", UserID: "u1", Status: domain.ParticipantStatusPending}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.WithinTx(ctx, func(tx repository.Tx) error {
		_, err := tx.GetParticipant(ctx, "p1")
		return err
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestInsertParticipantEnforcesOneHoldingRecord(t *testing.T) {
	ctx := context.Background()
	s := NewStore(logger.NewNop())
	seedGroup(t, s)

	err := s.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.InsertParticipant(ctx, &domain.Participant{ID: "p1", GroupID: "g1", UserID: "u1", Status: domain.ParticipantStatusPending, JoinedAt: t0}))
		err := tx.InsertParticipant(ctx, &domain.Participant{ID: "p2", GroupID: "g1", UserID: "u1", Status: domain.ParticipantStatusPending, JoinedAt: t0})
		assert.ErrorIs(t, err, repository.ErrDuplicate)

		// после неудачной оплаты можно попробовать снова
		failed, err := tx.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		failed.Status = domain.ParticipantStatusPaymentFailed
		require.NoError(t, tx.UpdateParticipant(ctx, failed))
		return tx.InsertParticipant(ctx, &domain.Participant{ID: "p3", GroupID: "g1", UserID: "u1", Status: domain.ParticipantStatusPending, JoinedAt: t0.Add(time.Minute)})
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(tx repository.Tx) error {
		latest, err := tx.FindParticipantByUser(ctx, "g1", "u1")
		require.NoError(t, err)
		assert.Equal(t, "p3", latest.ID)

		n, err := tx.CountParticipants(ctx, "g1", domain.SlotHoldingStatuses...)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertEventIsUnique(t *testing.T) {
	ctx := context.Background()
	s := NewStore(logger.NewNop())

	insert := func() error {
		return s.WithinTx(ctx, func(tx repository.Tx) error {
			return tx.InsertEvent(ctx, &domain.PaymentEvent{EventID: "evt_1", Kind: domain.EventIntentSucceeded})
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), repository.ErrDuplicate)

	err := s.WithinTx(ctx, func(tx repository.Tx) error {
		n, err := tx.CountEvents(ctx)
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)
}

func TestListStalePendingAndGraceExpired(t *testing.T) {
	ctx := context.Background()
	s := NewStore(logger.NewNop())
	seedGroup(t, s)
	graceEnd := t0.Add(time.Hour)

	err := s.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.InsertParticipant(ctx, &domain.Participant{ID: "old", GroupID: "g1", UserID: "u1", Status: domain.ParticipantStatusPending, JoinedAt: t0}))
		require.NoError(t, tx.InsertParticipant(ctx, &domain.Participant{ID: "new", GroupID: "g1", UserID: "u2", Status: domain.ParticipantStatusPending, JoinedAt: t0.Add(time.Hour)}))
		return tx.InsertParticipant(ctx, &domain.Participant{ID: "grace", GroupID: "g1", UserID: "u3", Status: domain.ParticipantStatusActive, JoinedAt: t0, GraceUntil: &graceEnd})
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(tx repository.Tx) error {
		stale, err := tx.ListStalePending(ctx, t0.Add(30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "old", stale[0].ID)

		expired, err := tx.ListGraceExpired(ctx, t0.Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "grace", expired[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestCanceledContextSkipsTx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := NewStore(logger.NewNop()).WithinTx(ctx, func(tx repository.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRefundIsRecordedOncePerParticipant(t *testing.T) {
	ctx := context.Background()
	s := NewStore(logger.NewNop())
	seedGroup(t, s)

	refund := &domain.Refund{
		ParticipantID: "p1", GroupID: "g1", IntentID: "pi_1", Amount: 700, Currency: "usd",
		IdempotencyKey: domain.RefundKey("p1"), Status: domain.RefundStatusPending, CreatedAt: t0,
	}
	err := s.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.InsertRefund(ctx, refund))
		dup := *refund
		dup.Amount = 500
		assert.ErrorIs(t, tx.InsertRefund(ctx, &dup), repository.ErrDuplicate)

		refund.ExternalID = "re_1"
		refund.Status = domain.RefundStatusSucceeded
		return tx.UpdateRefund(ctx, refund)
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(tx repository.Tx) error {
		got, err := tx.GetRefundByParticipant(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(700), got.Amount)
		assert.True(t, got.IsProcessed())

		_, err = tx.GetRefundByParticipant(ctx, "p2")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestListUnprovisioned(t *testing.T) {
	ctx := context.Background()
	s := NewStore(logger.NewNop())
	confirmed := t0.Add(time.Hour)

	err := s.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.InsertGroup(ctx, &domain.Group{ID: "rec", Recurring: true, Status: domain.GroupStatusActive, RecruitingSince: t0}))
		require.NoError(t, tx.InsertGroup(ctx, &domain.Group{ID: "once", Status: domain.GroupStatusActive, RecruitingSince: t0}))
		for _, p := range []*domain.Participant{
			{ID: "missing", GroupID: "rec", UserID: "u1", Status: domain.ParticipantStatusActive, PaymentConfirmedAt: &confirmed},
			{ID: "has-sub", GroupID: "rec", UserID: "u2", Status: domain.ParticipantStatusActive, PaymentConfirmedAt: &confirmed},
			{ID: "creator", GroupID: "rec", UserID: "c", Status: domain.ParticipantStatusActive, IsCreator: true, PaymentConfirmedAt: &confirmed},
			{ID: "one-off", GroupID: "once", UserID: "u3", Status: domain.ParticipantStatusActive, PaymentConfirmedAt: &confirmed},
		} {
			require.NoError(t, tx.InsertParticipant(ctx, p))
		}
		return tx.UpsertSubscription(ctx, &domain.Subscription{ID: "s1", ParticipantID: "has-sub", ExternalID: "sub_1"})
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(tx repository.Tx) error {
		early, err := tx.ListUnprovisioned(ctx, confirmed, 10)
		require.NoError(t, err)
		assert.Empty(t, early)

		due, err := tx.ListUnprovisioned(ctx, confirmed.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "missing", due[0].ID)
		return nil
	})
	require.NoError(t, err)
}
