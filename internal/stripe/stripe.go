package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const (
	// Ключ метаданных для связи Stripe Customer с пользователем
	metadataUserIDKey = "user_id"

	errorTypeAPIConnection stripe.ErrorType = "api_connection_error"
)

// Gateway реализует gateway.Gateway поверх Stripe SDK
type Gateway struct {
	client *client.API
	log    *logger.Logger
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway создает клиент Stripe
func NewGateway(apiKey string, log *logger.Logger) *Gateway {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Gateway{
		client: sc,
		log:    log,
	}
}

func (g *Gateway) CreateIntent(ctx context.Context, req gateway.CreateIntentRequest) (*gateway.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.SetupFutureUsage {
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		logStripeError(g.log, "CreateIntent", err)
		return nil, mapError("create_intent", err)
	}

	g.log.Infow("Stripe payment intent created", "intentID", pi.ID, "amount", pi.Amount)
	return toIntent(pi), nil
}

func (g *Gateway) GetIntent(ctx context.Context, intentID string) (*gateway.Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.client.PaymentIntents.Get(intentID, params)
	if err != nil {
		logStripeError(g.log, "GetIntent", err)
		return nil, mapError("get_intent", err)
	}
	return toIntent(pi), nil
}

// CancelIntent отменяет платеж; уже отмененный платеж ошибкой не считается
func (g *Gateway) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{
		Params: stripe.Params{Context: ctx},
	}
	_, err := g.client.PaymentIntents.Cancel(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == "payment_intent_unexpected_state" {
			g.log.Warnw("Payment intent is not cancelable", "intentID", intentID, "message", stripeErr.Msg)
			return nil
		}
		logStripeError(g.log, "CancelIntent", err)
		return mapError("cancel_intent", err)
	}

	g.log.Infow("Stripe payment intent canceled", "intentID", intentID)
	return nil
}

func (g *Gateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
		Amount:        stripe.Int64(req.Amount),
	}
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = ctx

	r, err := g.client.Refunds.New(params)
	if err != nil {
		logStripeError(g.log, "Refund", err)
		return nil, mapError("refund", err)
	}

	g.log.Infow("Stripe refund created", "refundID", r.ID, "intentID", req.IntentID, "amount", r.Amount)
	return &gateway.Refund{ID: r.ID, Amount: r.Amount, Status: string(r.Status)}, nil
}

// GetOrCreateCustomer ищет клиента по userID в метаданных, если не находит - создает нового.
func (g *Gateway) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	g.log.Debugw("Searching for Stripe customer using Search API", "userID", userID)

	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID),
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}

	customers := g.client.Customers.Search(searchParams)
	if customers.Next() {
		customer := customers.Customer()
		g.log.Debugw("Found existing Stripe customer via Search", "stripeCustomerID", customer.ID, "userID", userID)
		return customer.ID, nil
	}
	if err := customers.Err(); err != nil {
		logStripeError(g.log, "SearchCustomers", err)
		return "", mapError("search_customer", err)
	}

	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataUserIDKey, userID)
	params.IdempotencyKey = stripe.String("customer-" + userID)
	params.Context = ctx

	cus, err := g.client.Customers.New(params)
	if err != nil {
		logStripeError(g.log, "CreateCustomer", err)
		return "", mapError("create_customer", err)
	}

	g.log.Infow("Stripe customer created", "stripeCustomerID", cus.ID, "userID", userID)
	return cus.ID, nil
}

// CreateSubscription создает регулярную подписку. Первый период уже оплачен платежом
// за вступление, поэтому списания начинаются с AnchorAt без пропорционального пересчета.
func (g *Gateway) CreateSubscription(ctx context.Context, req gateway.CreateSubscriptionRequest) (*gateway.SubscriptionInfo, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(req.PriceID),
			},
		},
		ProrationBehavior: stripe.String("none"),
	}
	if req.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(req.PaymentMethodID)
	}
	if !req.AnchorAt.IsZero() {
		params.BillingCycleAnchor = stripe.Int64(req.AnchorAt.Unix())
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = ctx

	sub, err := g.client.Subscriptions.New(params)
	if err != nil {
		logStripeError(g.log, "CreateSubscription", err)
		return nil, mapError("create_subscription", err)
	}

	g.log.Infow("Stripe subscription created", "stripeSubscriptionID", sub.ID, "status", string(sub.Status))
	return &gateway.SubscriptionInfo{
		ID:                 sub.ID,
		Status:             subscriptionStatus(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
	}, nil
}

// CancelSubscription отменяет подписку в Stripe немедленно.
func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}

	_, err := g.client.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			g.log.Warnw("Attempted to cancel already canceled/missing Stripe subscription", "stripeSubscriptionID", subscriptionID)
			return nil
		}
		logStripeError(g.log, "CancelSubscription", err)
		return mapError("cancel_subscription", err)
	}

	g.log.Infow("Stripe subscription canceled", "stripeSubscriptionID", subscriptionID)
	return nil
}

func toIntent(pi *stripe.PaymentIntent) *gateway.Intent {
	in := &gateway.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       gateway.IntentStatus(pi.Status),
		Metadata:     pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		in.PaymentMethodID = pi.PaymentMethod.ID
	}
	return in
}

func subscriptionStatus(s stripe.SubscriptionStatus) domain.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusActive:
		return domain.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return domain.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return domain.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return domain.SubscriptionStatusCanceled
	default:
		return domain.SubscriptionStatusIncomplete
	}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// mapError приводит ошибку Stripe к domain.GatewayError
func mapError(op string, err error) error {
	gwErr := &domain.GatewayError{
		Op:          op,
		Message:     err.Error(),
		Retryable:   isRetryableStripeError(err),
		OriginalErr: err,
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		gwErr.Code = string(stripeErr.Code)
		gwErr.Message = stripeErr.Msg
		gwErr.StatusCode = stripeErr.HTTPStatusCode
		gwErr.Declined = stripeErr.Type == stripe.ErrorTypeCard
		if gwErr.Code == "" {
			gwErr.Code = string(stripeErr.Type)
		}
	} else if errors.Is(err, context.DeadlineExceeded) {
		gwErr.Code = "timeout"
		gwErr.Retryable = true
	}
	return gwErr
}

// isRetryableStripeError проверяет, является ли ошибка Stripe подходящей для повторной попытки
func isRetryableStripeError(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		if stripeErr.Type == errorTypeAPIConnection {
			return true
		}
		// 501 повторять бессмысленно
		if stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode != http.StatusNotImplemented {
			return true
		}
	}
	return false
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}
