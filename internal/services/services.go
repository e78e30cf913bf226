// Package services содержит бизнес-логику групп: регистры состояний, координатор
// вступления и выхода, обработчик платежных событий и фоновую очистку.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/config"
	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/internal/metrics"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
)

// EventPublisher публикует доменные события (реализация - kafka.Producer)
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.DomainEvent) error
}

// Options - параметры бизнес-логики, которые приходят из конфигурации
type Options struct {
	FeeRate           float64
	Currency          string
	GracePeriod       time.Duration
	PendingTTL        time.Duration
	RecruitingTimeout time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	PublishTimeout    time.Duration
}

// DefaultOptions возвращает значения по умолчанию
func DefaultOptions() Options {
	return Options{
		FeeRate:           0.1,
		Currency:          "usd",
		GracePeriod:       7 * 24 * time.Hour,
		PendingTTL:        30 * time.Minute,
		RecruitingTimeout: 30 * 24 * time.Hour,
		SweepInterval:     time.Minute,
		SweepBatchSize:    100,
		PublishTimeout:    5 * time.Second,
	}
}

// OptionsFromConfig собирает Options из конфигурации приложения
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.FeeRate = cfg.Sharing.FeeRate
	if cfg.Stripe.Currency != "" {
		opts.Currency = cfg.Stripe.Currency
	}
	if cfg.Reconciler.GracePeriod > 0 {
		opts.GracePeriod = cfg.Reconciler.GracePeriod
	}
	if cfg.Sweeper.PendingTTL > 0 {
		opts.PendingTTL = cfg.Sweeper.PendingTTL
	}
	if cfg.Sharing.RecruitingTimeout > 0 {
		opts.RecruitingTimeout = cfg.Sharing.RecruitingTimeout
	}
	if cfg.Sweeper.Interval > 0 {
		opts.SweepInterval = cfg.Sweeper.Interval
	}
	if cfg.Sweeper.BatchSize > 0 {
		opts.SweepBatchSize = cfg.Sweeper.BatchSize
	}
	return opts
}

// Deps - внешние зависимости сервисов. Cache, Publisher, Metrics и Clock необязательны.
type Deps struct {
	Store     repository.Store
	Gateway   gateway.Gateway
	Cache     repository.GroupViewCache
	Publisher EventPublisher
	Metrics   metrics.SharingMetrics
	Log       *logger.Logger
	Clock     func() time.Time
}

// Services - собранный набор компонентов
type Services struct {
	Groups       *GroupRegistry
	Participants *ParticipantRegistry
	Coordinator  *Coordinator
	Reconciler   *Reconciler
	Provisioner  *Provisioner
	Sweeper      *Sweeper
}

// New собирает все компоненты поверх общих зависимостей
func New(deps Deps, opts Options) *Services {
	if deps.Cache == nil {
		deps.Cache = repository.NoopGroupCache{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultOptions().PublishTimeout
	}
	if deps.Publisher == nil {
		deps.Log.Warnw("Event publisher is nil, domain events will not be published")
	}

	groups := NewGroupRegistry(opts.FeeRate, deps.Clock)
	participants := NewParticipantRegistry(groups, deps.Clock)
	lc := &lifecycle{participants: participants}
	n := &notifier{
		publisher: deps.Publisher,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		timeout:   opts.PublishTimeout,
		log:       deps.Log.Named("notifier"),
	}
	provisioner := NewProvisioner(deps.Store, deps.Gateway, deps.Clock, deps.Log.Named("provisioner"))

	return &Services{
		Groups:       groups,
		Participants: participants,
		Provisioner:  provisioner,
		Coordinator: &Coordinator{
			store:        deps.Store,
			groups:       groups,
			participants: participants,
			lc:           lc,
			gw:           deps.Gateway,
			cache:        deps.Cache,
			notifier:     n,
			provisioner:  provisioner,
			metrics:      deps.Metrics,
			opts:         opts,
			now:          deps.Clock,
			log:          deps.Log.Named("coordinator"),
		},
		Reconciler: &Reconciler{
			store:        deps.Store,
			participants: participants,
			lc:           lc,
			notifier:     n,
			provisioner:  provisioner,
			metrics:      deps.Metrics,
			grace:        opts.GracePeriod,
			now:          deps.Clock,
			log:          deps.Log.Named("reconciler"),
		},
		Sweeper: &Sweeper{
			store:        deps.Store,
			groups:       groups,
			participants: participants,
			lc:           lc,
			gw:           deps.Gateway,
			notifier:     n,
			provisioner:  provisioner,
			metrics:      deps.Metrics,
			opts:         opts,
			now:          deps.Clock,
			log:          deps.Log.Named("sweeper"),
		},
	}
}

// effects копит последствия транзакции; они применяются только после коммита
type effects struct {
	events      []domain.DomainEvent
	groups      map[string]struct{}
	transitions []domain.GroupStatus
	orphaned    int
	provision   []string
}

func newEffects() *effects {
	return &effects{groups: make(map[string]struct{})}
}

func (e *effects) emit(ev domain.DomainEvent) {
	e.events = append(e.events, ev)
	if ev.GroupID != "" {
		e.groups[ev.GroupID] = struct{}{}
	}
}

func (e *effects) touch(groupID string) {
	e.groups[groupID] = struct{}{}
}

type notifier struct {
	publisher EventPublisher
	cache     repository.GroupViewCache
	metrics   metrics.SharingMetrics
	timeout   time.Duration
	log       *logger.Logger
}

// flush публикует события и сбрасывает кэш. Ошибки только логируются:
// состояние уже зафиксировано в хранилище.
func (n *notifier) flush(ctx context.Context, eff *effects) {
	ctx = context.WithoutCancel(ctx)

	for groupID := range eff.groups {
		if err := n.cache.Invalidate(ctx, groupID); err != nil {
			n.log.Warnw("Failed to invalidate group cache", "groupID", groupID, "error", err)
		}
	}
	for _, to := range eff.transitions {
		n.metrics.IncGroupTransition(string(to))
	}
	for i := 0; i < eff.orphaned; i++ {
		n.metrics.IncOrphanedPayment()
	}

	if n.publisher == nil {
		return
	}
	for _, ev := range eff.events {
		pubCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := n.publisher.Publish(pubCtx, ev)
		cancel()
		if err != nil {
			n.log.Errorw("Failed to publish domain event",
				"type", ev.Type, "groupID", ev.GroupID, "participantID", ev.ParticipantID, "error", err)
		}
	}
}

// Ошибки отказа в возобновлении участника, у которого уже прошла оплата
func isRevivalRejected(err error) bool {
	return errors.Is(err, domain.ErrGroupFull) ||
		errors.Is(err, domain.ErrAlreadyJoined) ||
		errors.Is(err, domain.ErrGroupNotRecruiting)
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.NewNotFoundError(entity, id)
	}
	return err
}

func timePtr(t time.Time) *time.Time {
	return &t
}
