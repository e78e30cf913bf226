package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		typ  domain.DomainEventType
		want string
	}{
		{domain.EventParticipantActivated, TopicParticipantEvents},
		{domain.EventParticipantLeft, TopicParticipantEvents},
		{domain.EventGroupActivated, TopicGroupEvents},
		{domain.EventGroupEnded, TopicGroupEvents},
		{domain.EventPaymentOrphaned, TopicOrphanedPayments},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.want, TopicFor(tt.typ))
		})
	}
}

func TestBuildMessageKeysByGroup(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	msg, err := buildMessage(domain.DomainEvent{
		Type: domain.EventParticipantLeft, GroupID: "g1", ParticipantID: "p1", Amount: 500, OccurredAt: at,
	})
	require.NoError(t, err)

	assert.Equal(t, TopicParticipantEvents, msg.Topic)
	assert.Equal(t, []byte("g1"), msg.Key)
	assert.Equal(t, at, msg.Time)

	var decoded domain.DomainEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "p1", decoded.ParticipantID)
	assert.Equal(t, int64(500), decoded.Amount)
}

func TestMissingTopics(t *testing.T) {
	missing := missingTopics(RequiredTopics(), map[string]bool{TopicGroupEvents: true})
	assert.Equal(t, []string{TopicParticipantEvents, TopicOrphanedPayments}, topicNames(missing))
	assert.Empty(t, missingTopics([]kafkaGo.TopicConfig{{Topic: "x"}}, map[string]bool{"x": true}))
}
