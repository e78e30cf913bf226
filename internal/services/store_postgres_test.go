package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/internal/repository/postgres"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Интеграционные тесты: блокировки строк и уникальность проверяются на живом PostgreSQL
// из SHARING_TEST_DATABASE_DSN
func newPostgresEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := os.Getenv("SHARING_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("SHARING_TEST_DATABASE_DSN is not set")
	}
	log := logger.NewNop()
	require.NoError(t, postgres.MigrateUp(dsn, log))
	pool, err := postgres.NewConnection(context.Background(), dsn, 16, log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return newEnvWithStore(t, postgres.NewStore(pool, log), log)
}

func TestPostgresReserveSlotUnderContention(t *testing.T) {
	tests := []struct {
		name    string
		max     int
		callers int
	}{
		{"last slot", 2, 8},
		{"many callers", 5, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newPostgresEnv(t)
			g := env.createGroup(t, tt.max, false)

			var (
				wg              sync.WaitGroup
				mu              sync.Mutex
				succeeded, full int
			)
			start := make(chan struct{})
			for i := 0; i < tt.callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, err := env.svc.Coordinator.Join(context.Background(), JoinInput{
						GroupID: g.Group.ID,
						UserID:  fmt.Sprintf("user-%d", i),
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						succeeded++
					case errors.Is(err, domain.ErrGroupFull):
						full++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			free := tt.max - 1
			assert.Equal(t, free, succeeded)
			assert.Equal(t, tt.callers-free, full)
			assert.Equal(t, tt.max, env.count(t, g.Group.ID, domain.SlotHoldingStatuses...))
		})
	}
}

func TestPostgresConcurrentDuplicateDelivery(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 4, false)
	joined := env.join(t, g.Group.ID, "u1")
	ev := env.succeeded(joined.ParticipantID, joined.IntentID, env.clock.Now())

	const deliveries = 2
	results := make([]*ReconcileResult, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = env.svc.Reconciler.Handle(ctx, ev)
		}(i)
	}
	close(start)
	wg.Wait()

	applied, duplicates := 0, 0
	for i := 0; i < deliveries; i++ {
		require.NoError(t, errs[i])
		if results[i].Duplicate {
			duplicates++
			continue
		}
		applied++
		assert.Equal(t, domain.OutcomeActivated, results[i].Outcome)
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, duplicates)
	assert.Equal(t, 1, env.pub.count(domain.EventParticipantActivated))
	assert.Equal(t, domain.ParticipantStatusActive, env.participant(t, joined.ParticipantID).Status)

	err := env.store.WithinTx(ctx, func(tx repository.Tx) error {
		stored, err := tx.GetEvent(ctx, ev.EventID)
		if err != nil {
			return err
		}
		assert.Equal(t, domain.OutcomeActivated, stored.Outcome)
		assert.Equal(t, joined.ParticipantID, stored.ParticipantID)
		return nil
	})
	require.NoError(t, err)
}

// Двойной запрос выхода выдает один возврат: запись возврата создается под блокировкой группы
func TestPostgresConcurrentLeaveRefundsOnce(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 3, false)
	joined := env.joinAndPay(t, g.Group.ID, "u1")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = env.svc.Coordinator.Leave(ctx, g.Group.ID, "u1")
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, env.gw.Refunds(), 1)
	assert.Equal(t, domain.ParticipantStatusLeft, env.participant(t, joined.ParticipantID).Status)
}
