package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/db?sslmode=disable", migrateURL("postgres://u:p@localhost:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://u@h/db", migrateURL("postgresql://u@h/db"))
	assert.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}

// Интеграционный тест: нужен живой PostgreSQL в SHARING_TEST_DATABASE_DSN
func TestStoreAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("SHARING_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("SHARING_TEST_DATABASE_DSN is not set")
	}
	ctx := context.Background()
	log := logger.NewNop()

	require.NoError(t, MigrateUp(dsn, log))
	pool, err := NewConnection(ctx, dsn, 4, log)
	require.NoError(t, err)
	defer pool.Close()
	store := NewStore(pool, log)

	now := time.Now().UTC().Truncate(time.Microsecond)
	group := &domain.Group{
		ID: uuid.NewString(), ServiceID: "netflix", Title: "family", MaxParticipants: 2, BasePrice: 2000,
		Currency: "usd", Status: domain.GroupStatusRecruiting, RecruitingSince: now, CreatorID: "creator",
		CreatedAt: now, UpdatedAt: now,
	}
	first := &domain.Participant{
		ID: uuid.NewString(), GroupID: group.ID, UserID: "u1", Status: domain.ParticipantStatusPending,
		MonthlyCost: 1100, JoinedAt: now, UpdatedAt: now,
	}

	err = store.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.InsertGroup(ctx, group))
		return tx.InsertParticipant(ctx, first)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx repository.Tx) error {
		_, err := tx.LockGroup(ctx, group.ID)
		require.NoError(t, err)
		dup := *first
		dup.ID = uuid.NewString()
		return tx.InsertParticipant(ctx, &dup)
	})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	evID := "evt_" + uuid.NewString()
	insertEvent := func() error {
		return store.WithinTx(ctx, func(tx repository.Tx) error {
			return tx.InsertEvent(ctx, &domain.PaymentEvent{
				EventID: evID, Kind: domain.EventIntentSucceeded, OccurredAt: now, ProcessedAt: now,
				Outcome: domain.OutcomePending, Payload: []byte(`{"id":"x"}`),
			})
		})
	}
	require.NoError(t, insertEvent())
	assert.ErrorIs(t, insertEvent(), repository.ErrDuplicate)

	err = store.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.UpdateEventOutcome(ctx, evID, domain.OutcomeActivated, first.ID, group.ID))
		ev, err := tx.GetEvent(ctx, evID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeActivated, ev.Outcome)

		n, err := tx.CountParticipants(ctx, group.ID, domain.SlotHoldingStatuses...)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = tx.GetParticipant(ctx, uuid.NewString())
		assert.ErrorIs(t, err, repository.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestRefundsAndUnprovisionedAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("SHARING_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("SHARING_TEST_DATABASE_DSN is not set")
	}
	ctx := context.Background()
	log := logger.NewNop()

	require.NoError(t, MigrateUp(dsn, log))
	pool, err := NewConnection(ctx, dsn, 4, log)
	require.NoError(t, err)
	defer pool.Close()
	store := NewStore(pool, log)

	now := time.Now().UTC().Truncate(time.Microsecond)
	confirmed := now.Add(-time.Hour)
	group := &domain.Group{
		ID: uuid.NewString(), ServiceID: "spotify", MaxParticipants: 3, BasePrice: 3000, Currency: "usd",
		Recurring: true, PriceID: "price_1", Status: domain.GroupStatusActive, RecruitingSince: now,
		CreatorID: "creator", CreatedAt: now, UpdatedAt: now,
	}
	member := &domain.Participant{
		ID: uuid.NewString(), GroupID: group.ID, UserID: "u1", Status: domain.ParticipantStatusActive,
		MonthlyCost: 1100, PaymentIntentID: "pi_" + uuid.NewString(), PaymentConfirmedAt: &confirmed,
		JoinedAt: confirmed, UpdatedAt: now,
	}
	err = store.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.InsertGroup(ctx, group))
		return tx.InsertParticipant(ctx, member)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx repository.Tx) error {
		due, err := tx.ListUnprovisioned(ctx, now, 1000)
		require.NoError(t, err)
		ids := make([]string, 0, len(due))
		for _, p := range due {
			ids = append(ids, p.ID)
		}
		assert.Contains(t, ids, member.ID)
		return nil
	})
	require.NoError(t, err)

	refund := &domain.Refund{
		ParticipantID: member.ID, GroupID: group.ID, IntentID: member.PaymentIntentID, Amount: 700,
		Currency: "usd", DaysRemaining: 19, IdempotencyKey: domain.RefundKey(member.ID),
		Status: domain.RefundStatusPending, CreatedAt: now,
	}
	insertRefund := func() error {
		return store.WithinTx(ctx, func(tx repository.Tx) error { return tx.InsertRefund(ctx, refund) })
	}
	require.NoError(t, insertRefund())
	assert.ErrorIs(t, insertRefund(), repository.ErrDuplicate)

	err = store.WithinTx(ctx, func(tx repository.Tx) error {
		refund.ExternalID = "re_1"
		refund.Status = domain.RefundStatusSucceeded
		refund.ProcessedAt = &now
		require.NoError(t, tx.UpdateRefund(ctx, refund))

		got, err := tx.GetRefundByParticipant(ctx, member.ID)
		require.NoError(t, err)
		assert.True(t, got.IsProcessed())
		assert.Equal(t, int64(700), got.Amount)
		return nil
	})
	require.NoError(t, err)
}
