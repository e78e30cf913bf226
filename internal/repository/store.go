package repository

import (
	"context"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
)

// Store выполняет работу в транзакции. fn вызывается один раз: при nil транзакция
// фиксируется, при любой ошибке или панике откатывается.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx - операции над группами, участниками, журналом событий и подписками внутри одной транзакции.
//
// Записи участников меняются только под блокировкой строки их группы (LockGroup),
// поэтому все пути изменения сериализуются по группе.
type Tx interface {
	// LockGroup читает группу с блокировкой строки до конца транзакции
	LockGroup(ctx context.Context, id string) (*domain.Group, error)
	GetGroup(ctx context.Context, id string) (*domain.Group, error)
	InsertGroup(ctx context.Context, g *domain.Group) error
	UpdateGroup(ctx context.Context, g *domain.Group) error
	// ListRecruitingSince возвращает группы в наборе дольше, чем с before
	ListRecruitingSince(ctx context.Context, before time.Time, limit int) ([]*domain.Group, error)

	// CountParticipants считает участников группы в указанных статусах
	CountParticipants(ctx context.Context, groupID string, statuses ...domain.ParticipantStatus) (int, error)
	// InsertParticipant возвращает ErrDuplicate, если у пользователя уже есть pending/active запись в группе
	InsertParticipant(ctx context.Context, p *domain.Participant) error
	GetParticipant(ctx context.Context, id string) (*domain.Participant, error)
	// FindParticipantByUser возвращает самую свежую запись пользователя в группе среди статусов (все, если не заданы)
	FindParticipantByUser(ctx context.Context, groupID, userID string, statuses ...domain.ParticipantStatus) (*domain.Participant, error)
	FindParticipantByIntent(ctx context.Context, intentID string) (*domain.Participant, error)
	UpdateParticipant(ctx context.Context, p *domain.Participant) error
	ListParticipants(ctx context.Context, groupID string, statuses ...domain.ParticipantStatus) ([]*domain.Participant, error)
	// ListStalePending возвращает pending записи, созданные раньше before
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Participant, error)
	// ListGraceExpired возвращает активных участников с истекшим льготным периодом
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Participant, error)

	// InsertEvent добавляет событие в журнал; повторный EventID дает ErrDuplicate
	InsertEvent(ctx context.Context, ev *domain.PaymentEvent) error
	UpdateEventOutcome(ctx context.Context, eventID string, outcome domain.EventOutcome, participantID, groupID string) error
	GetEvent(ctx context.Context, eventID string) (*domain.PaymentEvent, error)
	CountEvents(ctx context.Context) (int, error)

	UpsertSubscription(ctx context.Context, s *domain.Subscription) error
	GetSubscriptionByParticipant(ctx context.Context, participantID string) (*domain.Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error)
	// ListUnprovisioned возвращает активных участников (не создателей) открытых recurring групп
	// без записи подписки, подтвердивших оплату раньше confirmedBefore
	ListUnprovisioned(ctx context.Context, confirmedBefore time.Time, limit int) ([]*domain.Participant, error)

	// InsertRefund возвращает ErrDuplicate, если для участника возврат уже записан
	InsertRefund(ctx context.Context, r *domain.Refund) error
	UpdateRefund(ctx context.Context, r *domain.Refund) error
	GetRefundByParticipant(ctx context.Context, participantID string) (*domain.Refund, error)
}
