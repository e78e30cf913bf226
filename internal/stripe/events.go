package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// EventParser проверяет подпись Stripe и приводит событие к domain.NormalizedEvent
type EventParser struct {
	secret    string
	tolerance time.Duration
	log       *logger.Logger
}

var _ gateway.EventParser = (*EventParser)(nil)

func NewEventParser(webhookSecret string, log *logger.Logger) *EventParser {
	return &EventParser{secret: webhookSecret, tolerance: webhook.DefaultTolerance, log: log}
}

func (p *EventParser) ParseEvent(payload []byte, signature string) (domain.NormalizedEvent, error) {
	if signature == "" {
		return domain.NormalizedEvent{}, fmt.Errorf("missing Stripe-Signature header: %w", domain.ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return domain.NormalizedEvent{}, fmt.Errorf("%v: %w", err, domain.ErrInvalidSignature)
		}
		return domain.NormalizedEvent{}, fmt.Errorf("malformed event: %v: %w", err, domain.ErrInvalidInput)
	}
	if event.Data == nil {
		return domain.NormalizedEvent{}, fmt.Errorf("event %s has no data: %w", event.ID, domain.ErrInvalidInput)
	}

	out := domain.NormalizedEvent{
		EventID:    event.ID,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Raw:        event.Data.Raw,
	}

	switch string(event.Type) {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := unmarshalObject(event, &pi); err != nil {
			return out, err
		}
		out.Ref = refFromMetadata(pi.Metadata)
		out.Payload = domain.IntentSucceeded{IntentID: pi.ID, Amount: pi.AmountReceived}

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := unmarshalObject(event, &pi); err != nil {
			return out, err
		}
		out.Ref = refFromMetadata(pi.Metadata)
		reason := string(pi.CancellationReason)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		if reason == "" {
			reason = string(event.Type)
		}
		out.Payload = domain.IntentFailed{IntentID: pi.ID, Reason: reason}

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := unmarshalObject(event, &inv); err != nil {
			return out, err
		}
		out.Ref = refFromMetadata(inv.Metadata)
		paid := domain.InvoicePaid{
			InvoiceID:      inv.ID,
			SubscriptionID: invoiceSubscriptionID(&inv),
			Period:         invoicePeriod(&inv),
		}
		if inv.PaymentIntent != nil {
			paid.IntentID = inv.PaymentIntent.ID
		}
		out.Payload = paid

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := unmarshalObject(event, &inv); err != nil {
			return out, err
		}
		out.Ref = refFromMetadata(inv.Metadata)
		out.Payload = domain.InvoiceFailed{
			InvoiceID:      inv.ID,
			SubscriptionID: invoiceSubscriptionID(&inv),
			AttemptCount:   inv.AttemptCount,
		}

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := unmarshalObject(event, &sub); err != nil {
			return out, err
		}
		out.Ref = refFromMetadata(sub.Metadata)
		out.Payload = domain.SubscriptionUpdated{
			SubscriptionID: sub.ID,
			Status:         subscriptionStatus(sub.Status),
			Period: domain.BillingPeriod{
				Start: unixTime(sub.CurrentPeriodStart),
				End:   unixTime(sub.CurrentPeriodEnd),
			},
		}

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := unmarshalObject(event, &sub); err != nil {
			return out, err
		}
		out.Ref = refFromMetadata(sub.Metadata)
		out.Payload = domain.SubscriptionDeleted{SubscriptionID: sub.ID}

	default:
		p.log.Debugw("Ignoring unsupported Stripe event", "eventID", event.ID, "type", string(event.Type))
		return out, fmt.Errorf("%s: %w", event.Type, domain.ErrUnsupportedEvent)
	}

	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func unmarshalObject(event stripe.Event, dst any) error {
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return fmt.Errorf("decode %s object: %v: %w", event.Type, err, domain.ErrInvalidInput)
	}
	return nil
}

func refFromMetadata(md map[string]string) domain.ParticipantRef {
	return domain.ParticipantRef{
		ParticipantID: md[gateway.MetadataParticipantID],
		GroupID:       md[gateway.MetadataGroupID],
		UserID:        md[gateway.MetadataUserID],
	}
}

func invoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv.Subscription != nil {
		return inv.Subscription.ID
	}
	return ""
}

// invoicePeriod берет период из первой строки счета; поля PeriodStart/PeriodEnd
// самого счета описывают прошедший период, поэтому они только запасной вариант
func invoicePeriod(inv *stripe.Invoice) domain.BillingPeriod {
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Period != nil && line.Period.End > line.Period.Start {
				return domain.BillingPeriod{Start: unixTime(line.Period.Start), End: unixTime(line.Period.End)}
			}
		}
	}
	return domain.BillingPeriod{Start: unixTime(inv.PeriodStart), End: unixTime(inv.PeriodEnd)}
}
