package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// Observer получает длительность и исход каждого вызова провайдера
type Observer interface {
	ObserveGatewayCall(op, outcome string, d time.Duration)
}

type RetryPolicy struct {
	// AttemptTimeout ограничивает одну попытку
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime ограничивает все попытки вместе; 0 - без повторов
	MaxElapsedTime time.Duration
}

// DefaultRetryPolicy - значения по умолчанию
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AttemptTimeout:  10 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

type retrying struct {
	next     Gateway
	policy   RetryPolicy
	log      *logger.Logger
	observer Observer
}

// WithRetry оборачивает Gateway: каждая попытка идет с таймаутом, временные ошибки
// повторяются с экспоненциальной задержкой. Ключ идемпотентности у всех попыток один.
func WithRetry(next Gateway, policy RetryPolicy, log *logger.Logger, observer Observer) Gateway {
	return &retrying{next: next, policy: policy, log: log, observer: observer}
}

func (r *retrying) newBackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		bo.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		bo.MaxInterval = r.policy.MaxInterval
	}
	bo.MaxElapsedTime = r.policy.MaxElapsedTime
	bo.Reset()

	var b backoff.BackOff = bo
	if r.policy.MaxElapsedTime <= 0 {
		b = &backoff.StopBackOff{}
	}
	return backoff.WithContext(b, ctx)
}

func (r *retrying) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	started := time.Now()
	attempt := 0

	operation := func() error {
		attempt++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		}
		defer cancel()

		err := call(attemptCtx)
		if err == nil {
			return nil
		}
		// таймаут попытки при живом родительском контексте считается временной ошибкой
		if IsTransient(err) && ctx.Err() == nil {
			r.log.Warnw("Transient gateway error, retrying", "op", op, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, r.newBackOff(ctx))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}

	if r.observer != nil {
		r.observer.ObserveGatewayCall(op, callOutcome(err), time.Since(started))
	}
	if err != nil {
		r.log.Errorw("Gateway call failed", "op", op, "attempts", attempt, "error", err)
	}
	return err
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

func (r *retrying) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	var out *Intent
	err := r.do(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		out, err = r.next.CreateIntent(ctx, req)
		return err
	})
	return out, err
}

func (r *retrying) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	var out *Intent
	err := r.do(ctx, "get_intent", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetIntent(ctx, intentID)
		return err
	})
	return out, err
}

func (r *retrying) CancelIntent(ctx context.Context, intentID string) error {
	return r.do(ctx, "cancel_intent", func(ctx context.Context) error {
		return r.next.CancelIntent(ctx, intentID)
	})
}

func (r *retrying) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var out *Refund
	err := r.do(ctx, "refund", func(ctx context.Context) error {
		var err error
		out, err = r.next.Refund(ctx, req)
		return err
	})
	return out, err
}

func (r *retrying) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	var out string
	err := r.do(ctx, "get_or_create_customer", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetOrCreateCustomer(ctx, userID, email)
		return err
	})
	return out, err
}

func (r *retrying) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*SubscriptionInfo, error) {
	var out *SubscriptionInfo
	err := r.do(ctx, "create_subscription", func(ctx context.Context) error {
		var err error
		out, err = r.next.CreateSubscription(ctx, req)
		return err
	})
	return out, err
}

func (r *retrying) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return r.do(ctx, "cancel_subscription", func(ctx context.Context) error {
		return r.next.CancelSubscription(ctx, subscriptionID)
	})
}
