package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func sign(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", at.Unix())))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventJSON(id, typ string, created int64, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2024-04-10","data":{"object":%s}}`,
		id, typ, created, object))
}

func TestParseIntentSucceeded(t *testing.T) {
	parser := NewEventParser(testSecret, logger.NewNop())
	created := time.Now().Add(-time.Minute).Unix()
	payload := eventJSON("evt_1", "payment_intent.succeeded", created,
		`{"id":"pi_1","object":"payment_intent","amount":1100,"amount_received":1100,"metadata":{"participant_id":"p1","group_id":"g1","user_id":"u1"}}`)

	ev, err := parser.ParseEvent(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", ev.EventID)
	assert.Equal(t, time.Unix(created, 0).UTC(), ev.OccurredAt)
	assert.Equal(t, domain.ParticipantRef{ParticipantID: "p1", GroupID: "g1", UserID: "u1"}, ev.Ref)
	assert.Equal(t, domain.IntentSucceeded{IntentID: "pi_1", Amount: 1100}, ev.Payload)
}

func TestParseIntentFailedKeepsReason(t *testing.T) {
	parser := NewEventParser(testSecret, logger.NewNop())
	payload := eventJSON("evt_2", "payment_intent.payment_failed", time.Now().Unix(),
		`{"id":"pi_2","object":"payment_intent","last_payment_error":{"message":"Your card was declined."},"metadata":{"participant_id":"p2"}}`)

	ev, err := parser.ParseEvent(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)

	failed, ok := ev.Payload.(domain.IntentFailed)
	require.True(t, ok)
	assert.Equal(t, "pi_2", failed.IntentID)
	assert.Equal(t, "Your card was declined.", failed.Reason)
}

func TestParseInvoicePaidUsesLinePeriod(t *testing.T) {
	parser := NewEventParser(testSecret, logger.NewNop())
	payload := eventJSON("evt_3", "invoice.paid", time.Now().Unix(),
		`{"id":"in_1","object":"invoice","subscription":"sub_1","payment_intent":"pi_9",
		  "period_start":100,"period_end":200,
		  "lines":{"object":"list","data":[{"id":"il_1","object":"line_item","period":{"start":1700000000,"end":1702592000}}]}}`)

	ev, err := parser.ParseEvent(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)

	paid, ok := ev.Payload.(domain.InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, "sub_1", paid.SubscriptionID)
	assert.Equal(t, "pi_9", paid.IntentID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), paid.Period.Start)
	assert.Equal(t, time.Unix(1702592000, 0).UTC(), paid.Period.End)
	assert.Equal(t, "sub_1", ev.SubscriptionExternalID())
}

func TestParseSubscriptionDeleted(t *testing.T) {
	parser := NewEventParser(testSecret, logger.NewNop())
	payload := eventJSON("evt_4", "customer.subscription.deleted", time.Now().Unix(),
		`{"id":"sub_7","object":"subscription","status":"canceled","metadata":{"participant_id":"p7"}}`)

	ev, err := parser.ParseEvent(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionDeleted{SubscriptionID: "sub_7"}, ev.Payload)
	assert.Equal(t, "p7", ev.Ref.ParticipantID)
}

func TestParseRejectsBadSignature(t *testing.T) {
	parser := NewEventParser(testSecret, logger.NewNop())
	payload := eventJSON("evt_5", "payment_intent.succeeded", time.Now().Unix(), `{"id":"pi_1","object":"payment_intent"}`)

	tests := []struct {
		name      string
		signature string
	}{
		{name: "missing header", signature: ""},
		{name: "wrong secret", signature: sign(payload, "whsec_other", time.Now())},
		{name: "too old", signature: sign(payload, testSecret, time.Now().Add(-time.Hour))},
		{name: "garbage", signature: "not-a-signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseEvent(payload, tt.signature)
			assert.ErrorIs(t, err, domain.ErrInvalidSignature)
		})
	}
}

func TestParseUnsupportedEvent(t *testing.T) {
	parser := NewEventParser(testSecret, logger.NewNop())
	payload := eventJSON("evt_6", "customer.created", time.Now().Unix(), `{"id":"cus_1","object":"customer"}`)

	_, err := parser.ParseEvent(payload, sign(payload, testSecret, time.Now()))
	assert.ErrorIs(t, err, domain.ErrUnsupportedEvent)
}
