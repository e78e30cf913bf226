package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

var _ repository.Store = (*Store)(nil)

// Store реализует repository.Store поверх пула pgx
type Store struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewStore создает хранилище PostgreSQL
func NewStore(pool *pgxpool.Pool, log *logger.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// WithinTx выполняет fn в транзакции READ COMMITTED. Сериализация по группе
// обеспечивается блокировкой строки группы (SELECT ... FOR UPDATE).
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.log.Warnw("Failed to roll back transaction", "error", err)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, repository.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusStrings(statuses []domain.ParticipantStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

// ---------- группы ----------

const groupColumns = `id, service_id, title, max_participants, base_price, currency, recurring,
	price_id, status, started_at, recruiting_since, creator_id, created_at, updated_at`

func scanGroup(row pgx.Row) (*domain.Group, error) {
	var g domain.Group
	err := row.Scan(&g.ID, &g.ServiceID, &g.Title, &g.MaxParticipants, &g.BasePrice, &g.Currency, &g.Recurring,
		&g.PriceID, &g.Status, &g.StartedAt, &g.RecruitingSince, &g.CreatorID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *pgTx) LockGroup(ctx context.Context, id string) (*domain.Group, error) {
	g, err := scanGroup(t.tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM sharing_groups WHERE id = $1 FOR UPDATE`, id))
	return g, mapErr("lock group", err)
}

func (t *pgTx) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	g, err := scanGroup(t.tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM sharing_groups WHERE id = $1`, id))
	return g, mapErr("get group", err)
}

func (t *pgTx) InsertGroup(ctx context.Context, g *domain.Group) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sharing_groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		g.ID, g.ServiceID, g.Title, g.MaxParticipants, g.BasePrice, g.Currency, g.Recurring,
		g.PriceID, g.Status, g.StartedAt, g.RecruitingSince, g.CreatorID, g.CreatedAt, g.UpdatedAt)
	return mapErr("insert group", err)
}

func (t *pgTx) UpdateGroup(ctx context.Context, g *domain.Group) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE sharing_groups SET
			title = $2, status = $3, started_at = $4, recruiting_since = $5, price_id = $6, updated_at = $7
		WHERE id = $1`,
		g.ID, g.Title, g.Status, g.StartedAt, g.RecruitingSince, g.PriceID, g.UpdatedAt)
	if err != nil {
		return mapErr("update group", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListRecruitingSince(ctx context.Context, before time.Time, limit int) ([]*domain.Group, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+groupColumns+` FROM sharing_groups
		WHERE status = 'recruiting' AND recruiting_since < $1
		ORDER BY recruiting_since
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, mapErr("list recruiting groups", err)
	}
	defer rows.Close()

	var out []*domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, mapErr("scan group", err)
		}
		out = append(out, g)
	}
	return out, mapErr("list recruiting groups", rows.Err())
}

// ---------- участники ----------

const participantColumns = `id, group_id, user_id, nickname, email, status, is_creator, monthly_cost,
	payment_intent_id, payment_confirmed_at, grace_until, last_event_at, joined_at, left_at, updated_at`

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(&p.ID, &p.GroupID, &p.UserID, &p.Nickname, &p.Email, &p.Status, &p.IsCreator, &p.MonthlyCost,
		&p.PaymentIntentID, &p.PaymentConfirmedAt, &p.GraceUntil, &p.LastEventAt, &p.JoinedAt, &p.LeftAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectParticipants(rows pgx.Rows, op string) ([]*domain.Participant, error) {
	defer rows.Close()
	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, p)
	}
	return out, mapErr(op, rows.Err())
}

func (t *pgTx) CountParticipants(ctx context.Context, groupID string, statuses ...domain.ParticipantStatus) (int, error) {
	var n int
	var err error
	if len(statuses) == 0 {
		err = t.tx.QueryRow(ctx, `SELECT count(*) FROM participants WHERE group_id = $1`, groupID).Scan(&n)
	} else {
		err = t.tx.QueryRow(ctx, `SELECT count(*) FROM participants WHERE group_id = $1 AND status = ANY($2)`,
			groupID, statusStrings(statuses)).Scan(&n)
	}
	return n, mapErr("count participants", err)
}

func (t *pgTx) InsertParticipant(ctx context.Context, p *domain.Participant) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.GroupID, p.UserID, p.Nickname, p.Email, p.Status, p.IsCreator, p.MonthlyCost,
		p.PaymentIntentID, p.PaymentConfirmedAt, p.GraceUntil, p.LastEventAt, p.JoinedAt, p.LeftAt, p.UpdatedAt)
	return mapErr("insert participant", err)
}

func (t *pgTx) GetParticipant(ctx context.Context, id string) (*domain.Participant, error) {
	p, err := scanParticipant(t.tx.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	return p, mapErr("get participant", err)
}

func (t *pgTx) FindParticipantByUser(ctx context.Context, groupID, userID string, statuses ...domain.ParticipantStatus) (*domain.Participant, error) {
	var row pgx.Row
	if len(statuses) == 0 {
		row = t.tx.QueryRow(ctx, `
			SELECT `+participantColumns+` FROM participants
			WHERE group_id = $1 AND user_id = $2
			ORDER BY joined_at DESC LIMIT 1`, groupID, userID)
	} else {
		row = t.tx.QueryRow(ctx, `
			SELECT `+participantColumns+` FROM participants
			WHERE group_id = $1 AND user_id = $2 AND status = ANY($3)
			ORDER BY joined_at DESC LIMIT 1`, groupID, userID, statusStrings(statuses))
	}
	p, err := scanParticipant(row)
	return p, mapErr("find participant by user", err)
}

func (t *pgTx) FindParticipantByIntent(ctx context.Context, intentID string) (*domain.Participant, error) {
	if intentID == "" {
		return nil, repository.ErrNotFound
	}
	p, err := scanParticipant(t.tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE payment_intent_id = $1 LIMIT 1`, intentID))
	return p, mapErr("find participant by intent", err)
}

func (t *pgTx) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE participants SET
			status = $2, monthly_cost = $3, payment_intent_id = $4, payment_confirmed_at = $5,
			grace_until = $6, last_event_at = $7, left_at = $8, updated_at = $9
		WHERE id = $1`,
		p.ID, p.Status, p.MonthlyCost, p.PaymentIntentID, p.PaymentConfirmedAt,
		p.GraceUntil, p.LastEventAt, p.LeftAt, p.UpdatedAt)
	if err != nil {
		return mapErr("update participant", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListParticipants(ctx context.Context, groupID string, statuses ...domain.ParticipantStatus) ([]*domain.Participant, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = t.tx.Query(ctx, `
			SELECT `+participantColumns+` FROM participants
			WHERE group_id = $1 ORDER BY joined_at, id`, groupID)
	} else {
		rows, err = t.tx.Query(ctx, `
			SELECT `+participantColumns+` FROM participants
			WHERE group_id = $1 AND status = ANY($2) ORDER BY joined_at, id`, groupID, statusStrings(statuses))
	}
	if err != nil {
		return nil, mapErr("list participants", err)
	}
	return collectParticipants(rows, "list participants")
}

func (t *pgTx) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Participant, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE status = 'pending' AND joined_at < $1
		ORDER BY joined_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, mapErr("list stale pending", err)
	}
	return collectParticipants(rows, "list stale pending")
}

func (t *pgTx) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Participant, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE status = 'active' AND grace_until IS NOT NULL AND grace_until < $1
		ORDER BY grace_until LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr("list grace expired", err)
	}
	return collectParticipants(rows, "list grace expired")
}

// ---------- журнал событий ----------

func (t *pgTx) InsertEvent(ctx context.Context, ev *domain.PaymentEvent) error {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	// ON CONFLICT вместо ошибки уникальности: транзакция остается живой и может быть зафиксирована
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO payment_events (event_id, kind, participant_id, group_id, occurred_at, processed_at, outcome, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Kind, ev.ParticipantID, ev.GroupID, ev.OccurredAt, ev.ProcessedAt, ev.Outcome, payload)
	if err != nil {
		return mapErr("insert payment event", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment event %s: %w", ev.EventID, repository.ErrDuplicate)
	}
	return nil
}

func (t *pgTx) UpdateEventOutcome(ctx context.Context, eventID string, outcome domain.EventOutcome, participantID, groupID string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payment_events SET outcome = $2, participant_id = $3, group_id = $4
		WHERE event_id = $1`, eventID, outcome, participantID, groupID)
	if err != nil {
		return mapErr("update event outcome", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetEvent(ctx context.Context, eventID string) (*domain.PaymentEvent, error) {
	var (
		ev      domain.PaymentEvent
		payload []byte
	)
	err := t.tx.QueryRow(ctx, `
		SELECT event_id, kind, participant_id, group_id, occurred_at, processed_at, outcome, payload
		FROM payment_events WHERE event_id = $1`, eventID).
		Scan(&ev.EventID, &ev.Kind, &ev.ParticipantID, &ev.GroupID, &ev.OccurredAt, &ev.ProcessedAt, &ev.Outcome, &payload)
	if err != nil {
		return nil, mapErr("get payment event", err)
	}
	ev.Payload = payload
	return &ev, nil
}

func (t *pgTx) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM payment_events`).Scan(&n)
	return n, mapErr("count payment events", err)
}

// ---------- подписки ----------

const subscriptionColumns = `id, participant_id, external_id, status, current_period_start, current_period_end,
	latest_intent_id, canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.ParticipantID, &s.ExternalID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.LatestIntentID, &s.CanceledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) UpsertSubscription(ctx context.Context, s *domain.Subscription) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			latest_intent_id = EXCLUDED.latest_intent_id,
			canceled_at = EXCLUDED.canceled_at,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.ParticipantID, s.ExternalID, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.LatestIntentID, s.CanceledAt, s.CreatedAt, s.UpdatedAt)
	return mapErr("upsert subscription", err)
}

func (t *pgTx) GetSubscriptionByParticipant(ctx context.Context, participantID string) (*domain.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE participant_id = $1`, participantID))
	return s, mapErr("get subscription by participant", err)
}

func (t *pgTx) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID))
	return s, mapErr("get subscription by external id", err)
}

func (t *pgTx) ListUnprovisioned(ctx context.Context, confirmedBefore time.Time, limit int) ([]*domain.Participant, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+prefixed("p.", participantColumns)+`
		FROM participants p
		JOIN sharing_groups g ON g.id = p.group_id
		WHERE p.status = 'active' AND NOT p.is_creator
			AND p.payment_confirmed_at < $1
			AND g.recurring AND g.status <> 'ended'
			AND NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.participant_id = p.id)
		ORDER BY p.payment_confirmed_at LIMIT $2`, confirmedBefore, limit)
	if err != nil {
		return nil, mapErr("list unprovisioned", err)
	}
	return collectParticipants(rows, "list unprovisioned")
}

// prefixed добавляет псевдоним таблицы к каждой колонке списка
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// ---------- возвраты ----------

const refundColumns = `participant_id, group_id, intent_id, amount, currency, days_remaining,
	idempotency_key, external_id, status, created_at, processed_at`

func (t *pgTx) InsertRefund(ctx context.Context, r *domain.Refund) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ParticipantID, r.GroupID, r.IntentID, r.Amount, r.Currency, r.DaysRemaining,
		r.IdempotencyKey, r.ExternalID, r.Status, r.CreatedAt, r.ProcessedAt)
	return mapErr("insert refund", err)
}

func (t *pgTx) UpdateRefund(ctx context.Context, r *domain.Refund) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE refunds SET external_id = $2, status = $3, processed_at = $4
		WHERE participant_id = $1`,
		r.ParticipantID, r.ExternalID, r.Status, r.ProcessedAt)
	if err != nil {
		return mapErr("update refund", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetRefundByParticipant(ctx context.Context, participantID string) (*domain.Refund, error) {
	var r domain.Refund
	err := t.tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE participant_id = $1`, participantID).
		Scan(&r.ParticipantID, &r.GroupID, &r.IntentID, &r.Amount, &r.Currency, &r.DaysRemaining,
			&r.IdempotencyKey, &r.ExternalID, &r.Status, &r.CreatedAt, &r.ProcessedAt)
	if err != nil {
		return nil, mapErr("get refund", err)
	}
	return &r, nil
}
