// Package gatewaytest содержит потокобезопасную подделку gateway.Gateway для тестов.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
)

// Fake хранит созданные платежи и считает вызовы. Ошибки задаются по операциям через Fail.
type Fake struct {
	mu sync.Mutex

	seq           int
	intents       map[string]*gateway.Intent
	byKey         map[string]string
	refunds       []gateway.RefundRequest
	subscriptions map[string]*gateway.SubscriptionInfo
	canceledSubs  []string
	customers     map[string]string

	calls  map[string]int
	errs   map[string][]error
	Period time.Duration
	Now    func() time.Time
}

var _ gateway.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		intents:       make(map[string]*gateway.Intent),
		byKey:         make(map[string]string),
		subscriptions: make(map[string]*gateway.SubscriptionInfo),
		customers:     make(map[string]string),
		calls:         make(map[string]int),
		errs:          make(map[string][]error),
		Period:        30 * 24 * time.Hour,
		Now:           time.Now,
	}
}

// Fail ставит в очередь ошибки для операции; каждый вызов забирает одну
func (f *Fake) Fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

// Transient - ошибка, которую обертка с повторами будет повторять
func Transient(op string) error {
	return &domain.GatewayError{Op: op, Code: "api_connection_error", Message: "connection reset", Retryable: true}
}

// Declined - отказ по карте
func Declined(op string) error {
	return &domain.GatewayError{Op: op, Code: "card_declined", Message: "your card was declined", StatusCode: 402, Declined: true}
}

func (f *Fake) begin(op string) error {
	f.calls[op]++
	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

// Calls возвращает число вызовов операции
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Refunds возвращает все выполненные возвраты
func (f *Fake) Refunds() []gateway.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.RefundRequest(nil), f.refunds...)
}

// CanceledSubscriptions возвращает ID отмененных подписок
func (f *Fake) CanceledSubscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceledSubs...)
}

// SetIntentStatus имитирует действия покупателя на стороне провайдера
func (f *Fake) SetIntentStatus(intentID string, status gateway.IntentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[intentID]; ok {
		in.Status = status
		if status == gateway.IntentStatusSucceeded && in.PaymentMethodID == "" {
			in.PaymentMethodID = "pm_" + intentID
		}
	}
}

// Intent возвращает копию платежа
func (f *Fake) Intent(intentID string) (gateway.Intent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[intentID]
	if !ok {
		return gateway.Intent{}, false
	}
	return *in, true
}

func (f *Fake) CreateIntent(_ context.Context, req gateway.CreateIntentRequest) (*gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_intent"); err != nil {
		return nil, err
	}
	if id, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *f.intents[id]
		return &cp, nil
	}
	id := f.nextID("pi")
	in := &gateway.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       gateway.IntentStatusRequiresPaymentMethod,
		Metadata:     req.Metadata,
	}
	f.intents[id] = in
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = id
	}
	cp := *in
	return &cp, nil
}

func (f *Fake) GetIntent(_ context.Context, intentID string) (*gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("get_intent"); err != nil {
		return nil, err
	}
	in, ok := f.intents[intentID]
	if !ok {
		return nil, &domain.GatewayError{Op: "get_intent", Code: "resource_missing", Message: "no such payment_intent", StatusCode: 404}
	}
	cp := *in
	return &cp, nil
}

func (f *Fake) CancelIntent(_ context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("cancel_intent"); err != nil {
		return err
	}
	if in, ok := f.intents[intentID]; ok && in.Status != gateway.IntentStatusSucceeded {
		in.Status = gateway.IntentStatusCanceled
	}
	return nil
}

func (f *Fake) Refund(_ context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("refund"); err != nil {
		return nil, err
	}
	for _, r := range f.refunds {
		if req.IdempotencyKey != "" && r.IdempotencyKey == req.IdempotencyKey {
			return &gateway.Refund{ID: "re_" + r.IdempotencyKey, Amount: r.Amount, Status: "succeeded"}, nil
		}
	}
	f.refunds = append(f.refunds, req)
	return &gateway.Refund{ID: f.nextID("re"), Amount: req.Amount, Status: "succeeded"}, nil
}

func (f *Fake) GetOrCreateCustomer(_ context.Context, userID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("get_or_create_customer"); err != nil {
		return "", err
	}
	if id, ok := f.customers[userID]; ok {
		return id, nil
	}
	id := f.nextID("cus")
	f.customers[userID] = id
	return id, nil
}

func (f *Fake) CreateSubscription(_ context.Context, req gateway.CreateSubscriptionRequest) (*gateway.SubscriptionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_subscription"); err != nil {
		return nil, err
	}
	start := req.AnchorAt
	if start.IsZero() {
		start = f.Now()
	}
	info := &gateway.SubscriptionInfo{
		ID:                 f.nextID("sub"),
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.Add(f.Period),
	}
	f.subscriptions[info.ID] = info
	cp := *info
	return &cp, nil
}

func (f *Fake) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("cancel_subscription"); err != nil {
		return err
	}
	if sub, ok := f.subscriptions[subscriptionID]; ok {
		sub.Status = domain.SubscriptionStatusCanceled
	}
	f.canceledSubs = append(f.canceledSubs, subscriptionID)
	return nil
}
