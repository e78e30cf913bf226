package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/internal/gateway/gatewaytest"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/internal/repository/memory"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(t domain.DomainEventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	svc   *Services
	store repository.Store
	gw    *gatewaytest.Fake
	pub   *recordingPublisher
	clock *testClock
	// run отделяет идентификаторы событий этого окружения от записей прошлых запусков в общей базе
	run string
	seq int
}

// 10 апреля: в календарном месяце осталось 20 из 30 дней
var testStart = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnvWithStore(t, memory.NewStore(logger.NewNop()), logger.NewNop())
}

func newEnvWithStore(t *testing.T, store repository.Store, log *logger.Logger) *testEnv {
	t.Helper()
	clock := &testClock{t: testStart}
	gw := gatewaytest.New()
	gw.Now = clock.Now
	env := &testEnv{
		store: store,
		gw:    gw,
		pub:   &recordingPublisher{},
		clock: clock,
		run:   uuid.NewString()[:8],
	}
	opts := DefaultOptions()
	env.svc = New(Deps{
		Store:     env.store,
		Gateway:   gw,
		Publisher: env.pub,
		Log:       log,
		Clock:     clock.Now,
	}, opts)
	return env
}

func (e *testEnv) createGroup(t *testing.T, max int, recurring bool) *domain.GroupSnapshot {
	t.Helper()
	in := CreateGroupInput{
		CreatorID:       "creator",
		Nickname:        "owner",
		ServiceID:       "netflix",
		Title:           "Family plan",
		MaxParticipants: max,
		BasePrice:       4000,
		Recurring:       recurring,
	}
	if recurring {
		in.PriceID = "price_family"
	}
	snap, err := e.svc.Coordinator.CreateGroup(context.Background(), in)
	require.NoError(t, err)
	return snap
}

func (e *testEnv) join(t *testing.T, groupID, userID string) *JoinResult {
	t.Helper()
	res, err := e.svc.Coordinator.Join(context.Background(), JoinInput{GroupID: groupID, UserID: userID, Nickname: userID})
	require.NoError(t, err)
	return res
}

func (e *testEnv) nextEventID() string {
	e.seq++
	return fmt.Sprintf("evt_%s_%d", e.run, e.seq)
}

func (e *testEnv) succeeded(participantID, intentID string, at time.Time) domain.NormalizedEvent {
	return domain.NormalizedEvent{
		EventID:    e.nextEventID(),
		Ref:        domain.ParticipantRef{ParticipantID: participantID},
		OccurredAt: at,
		Payload:    domain.IntentSucceeded{IntentID: intentID, Amount: 1100},
	}
}

func (e *testEnv) failed(participantID, intentID string, at time.Time) domain.NormalizedEvent {
	return domain.NormalizedEvent{
		EventID:    e.nextEventID(),
		Ref:        domain.ParticipantRef{ParticipantID: participantID},
		OccurredAt: at,
		Payload:    domain.IntentFailed{IntentID: intentID, Reason: "card_declined"},
	}
}

// joinAndPay проводит вступление и успешный вебхук оплаты
func (e *testEnv) joinAndPay(t *testing.T, groupID, userID string) *JoinResult {
	t.Helper()
	res := e.join(t, groupID, userID)
	e.gw.SetIntentStatus(res.IntentID, gateway.IntentStatusSucceeded)
	out, err := e.svc.Reconciler.Handle(context.Background(), e.succeeded(res.ParticipantID, res.IntentID, e.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeActivated, out.Outcome)
	return res
}

func (e *testEnv) participant(t *testing.T, id string) *domain.Participant {
	t.Helper()
	var p *domain.Participant
	err := e.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		var err error
		p, err = tx.GetParticipant(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) group(t *testing.T, id string) *domain.Group {
	t.Helper()
	var g *domain.Group
	err := e.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		var err error
		g, err = tx.GetGroup(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return g
}

func (e *testEnv) count(t *testing.T, groupID string, statuses ...domain.ParticipantStatus) int {
	t.Helper()
	var n int
	err := e.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		var err error
		n, err = tx.CountParticipants(context.Background(), groupID, statuses...)
		return err
	})
	require.NoError(t, err)
	return n
}

func (e *testEnv) subscription(t *testing.T, participantID string) *domain.Subscription {
	t.Helper()
	var sub *domain.Subscription
	err := e.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		var err error
		sub, err = tx.GetSubscriptionByParticipant(context.Background(), participantID)
		return err
	})
	require.NoError(t, err)
	return sub
}
