// Package memory - хранилище в памяти для разработки и тестов.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
)

var _ repository.Store = (*Store)(nil)

// Store держит все данные в картах. Транзакции выполняются строго по одной под мьютексом
// над копией состояния; копия подменяет состояние только при успешном завершении fn.
type Store struct {
	mu    sync.Mutex
	state *state
	log   *logger.Logger
}

type state struct {
	groups        map[string]domain.Group
	participants  map[string]domain.Participant
	events        map[string]domain.PaymentEvent
	subscriptions map[string]domain.Subscription
	refunds       map[string]domain.Refund
}

func newState() *state {
	return &state{
		groups:        make(map[string]domain.Group),
		participants:  make(map[string]domain.Participant),
		events:        make(map[string]domain.PaymentEvent),
		subscriptions: make(map[string]domain.Subscription),
		refunds:       make(map[string]domain.Refund),
	}
}

func (s *state) clone() *state {
	cp := newState()
	for k, v := range s.groups {
		cp.groups[k] = v
	}
	for k, v := range s.participants {
		cp.participants[k] = v
	}
	for k, v := range s.events {
		cp.events[k] = v
	}
	for k, v := range s.subscriptions {
		cp.subscriptions[k] = v
	}
	for k, v := range s.refunds {
		cp.refunds[k] = v
	}
	return cp
}

// NewStore создает пустое хранилище в памяти
func NewStore(log *logger.Logger) *Store {
	return &Store{state: newState(), log: log}
}

// WithinTx выполняет fn над копией состояния
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memTx struct {
	st *state
}

func (t *memTx) LockGroup(ctx context.Context, id string) (*domain.Group, error) {
	return t.GetGroup(ctx, id)
}

func (t *memTx) GetGroup(_ context.Context, id string) (*domain.Group, error) {
	g, ok := t.st.groups[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &g, nil
}

func (t *memTx) InsertGroup(_ context.Context, g *domain.Group) error {
	if _, ok := t.st.groups[g.ID]; ok {
		return fmt.Errorf("group %s: %w", g.ID, repository.ErrDuplicate)
	}
	t.st.groups[g.ID] = *g
	return nil
}

func (t *memTx) UpdateGroup(_ context.Context, g *domain.Group) error {
	if _, ok := t.st.groups[g.ID]; !ok {
		return repository.ErrNotFound
	}
	t.st.groups[g.ID] = *g
	return nil
}

func (t *memTx) ListRecruitingSince(_ context.Context, before time.Time, limit int) ([]*domain.Group, error) {
	var out []*domain.Group
	for _, g := range t.st.groups {
		if g.Status == domain.GroupStatusRecruiting && g.RecruitingSince.Before(before) {
			g := g
			out = append(out, &g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecruitingSince.Before(out[j].RecruitingSince) })
	return truncate(out, limit), nil
}

func (t *memTx) CountParticipants(_ context.Context, groupID string, statuses ...domain.ParticipantStatus) (int, error) {
	n := 0
	for _, p := range t.st.participants {
		if p.GroupID == groupID && statusIn(p.Status, statuses) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertParticipant(_ context.Context, p *domain.Participant) error {
	if _, ok := t.st.participants[p.ID]; ok {
		return fmt.Errorf("participant %s: %w", p.ID, repository.ErrDuplicate)
	}
	if p.HoldsSlot() {
		for _, existing := range t.st.participants {
			if existing.GroupID == p.GroupID && existing.UserID == p.UserID && existing.HoldsSlot() {
				return fmt.Errorf("participant %s/%s: %w", p.GroupID, p.UserID, repository.ErrDuplicate)
			}
		}
	}
	t.st.participants[p.ID] = *p
	return nil
}

func (t *memTx) GetParticipant(_ context.Context, id string) (*domain.Participant, error) {
	p, ok := t.st.participants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) FindParticipantByUser(_ context.Context, groupID, userID string, statuses ...domain.ParticipantStatus) (*domain.Participant, error) {
	var found *domain.Participant
	for _, p := range t.st.participants {
		if p.GroupID != groupID || p.UserID != userID || !statusIn(p.Status, statuses) {
			continue
		}
		if found == nil || p.JoinedAt.After(found.JoinedAt) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (t *memTx) FindParticipantByIntent(_ context.Context, intentID string) (*domain.Participant, error) {
	if intentID == "" {
		return nil, repository.ErrNotFound
	}
	for _, p := range t.st.participants {
		if p.PaymentIntentID == intentID {
			p := p
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *memTx) UpdateParticipant(_ context.Context, p *domain.Participant) error {
	if _, ok := t.st.participants[p.ID]; !ok {
		return repository.ErrNotFound
	}
	if p.HoldsSlot() {
		for id, existing := range t.st.participants {
			if id != p.ID && existing.GroupID == p.GroupID && existing.UserID == p.UserID && existing.HoldsSlot() {
				return fmt.Errorf("participant %s/%s: %w", p.GroupID, p.UserID, repository.ErrDuplicate)
			}
		}
	}
	t.st.participants[p.ID] = *p
	return nil
}

func (t *memTx) ListParticipants(_ context.Context, groupID string, statuses ...domain.ParticipantStatus) ([]*domain.Participant, error) {
	var out []*domain.Participant
	for _, p := range t.st.participants {
		if p.GroupID == groupID && statusIn(p.Status, statuses) {
			p := p
			out = append(out, &p)
		}
	}
	sortByJoined(out)
	return out, nil
}

func (t *memTx) ListStalePending(_ context.Context, before time.Time, limit int) ([]*domain.Participant, error) {
	var out []*domain.Participant
	for _, p := range t.st.participants {
		if p.Status == domain.ParticipantStatusPending && p.JoinedAt.Before(before) {
			p := p
			out = append(out, &p)
		}
	}
	sortByJoined(out)
	return truncate(out, limit), nil
}

func (t *memTx) ListGraceExpired(_ context.Context, now time.Time, limit int) ([]*domain.Participant, error) {
	var out []*domain.Participant
	for _, p := range t.st.participants {
		if p.Status == domain.ParticipantStatusActive && p.GraceUntil != nil && p.GraceUntil.Before(now) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GraceUntil.Before(*out[j].GraceUntil) })
	return truncate(out, limit), nil
}

func (t *memTx) InsertEvent(_ context.Context, ev *domain.PaymentEvent) error {
	if _, ok := t.st.events[ev.EventID]; ok {
		return fmt.Errorf("event %s: %w", ev.EventID, repository.ErrDuplicate)
	}
	t.st.events[ev.EventID] = *ev
	return nil
}

func (t *memTx) UpdateEventOutcome(_ context.Context, eventID string, outcome domain.EventOutcome, participantID, groupID string) error {
	ev, ok := t.st.events[eventID]
	if !ok {
		return repository.ErrNotFound
	}
	ev.Outcome = outcome
	ev.ParticipantID = participantID
	ev.GroupID = groupID
	t.st.events[eventID] = ev
	return nil
}

func (t *memTx) GetEvent(_ context.Context, eventID string) (*domain.PaymentEvent, error) {
	ev, ok := t.st.events[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &ev, nil
}

func (t *memTx) CountEvents(_ context.Context) (int, error) {
	return len(t.st.events), nil
}

func (t *memTx) UpsertSubscription(_ context.Context, s *domain.Subscription) error {
	for id, existing := range t.st.subscriptions {
		if id == s.ID {
			continue
		}
		if existing.ParticipantID == s.ParticipantID || existing.ExternalID == s.ExternalID {
			return fmt.Errorf("subscription %s: %w", s.ExternalID, repository.ErrDuplicate)
		}
	}
	t.st.subscriptions[s.ID] = *s
	return nil
}

func (t *memTx) GetSubscriptionByParticipant(_ context.Context, participantID string) (*domain.Subscription, error) {
	for _, s := range t.st.subscriptions {
		if s.ParticipantID == participantID {
			s := s
			return &s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *memTx) GetSubscriptionByExternalID(_ context.Context, externalID string) (*domain.Subscription, error) {
	for _, s := range t.st.subscriptions {
		if s.ExternalID == externalID {
			s := s
			return &s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *memTx) ListUnprovisioned(_ context.Context, confirmedBefore time.Time, limit int) ([]*domain.Participant, error) {
	var out []*domain.Participant
	for _, p := range t.st.participants {
		if p.Status != domain.ParticipantStatusActive || p.IsCreator {
			continue
		}
		if p.PaymentConfirmedAt == nil || !p.PaymentConfirmedAt.Before(confirmedBefore) {
			continue
		}
		g, ok := t.st.groups[p.GroupID]
		if !ok || !g.Recurring || g.Status == domain.GroupStatusEnded {
			continue
		}
		if t.hasSubscription(p.ID) {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentConfirmedAt.Before(*out[j].PaymentConfirmedAt) })
	return truncate(out, limit), nil
}

func (t *memTx) hasSubscription(participantID string) bool {
	for _, s := range t.st.subscriptions {
		if s.ParticipantID == participantID {
			return true
		}
	}
	return false
}

func (t *memTx) InsertRefund(_ context.Context, r *domain.Refund) error {
	if _, ok := t.st.refunds[r.ParticipantID]; ok {
		return fmt.Errorf("refund %s: %w", r.ParticipantID, repository.ErrDuplicate)
	}
	t.st.refunds[r.ParticipantID] = *r
	return nil
}

func (t *memTx) UpdateRefund(_ context.Context, r *domain.Refund) error {
	if _, ok := t.st.refunds[r.ParticipantID]; !ok {
		return repository.ErrNotFound
	}
	t.st.refunds[r.ParticipantID] = *r
	return nil
}

func (t *memTx) GetRefundByParticipant(_ context.Context, participantID string) (*domain.Refund, error) {
	r, ok := t.st.refunds[participantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func statusIn(status domain.ParticipantStatus, statuses []domain.ParticipantStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func sortByJoined(ps []*domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
