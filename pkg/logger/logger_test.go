package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"warning", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"", INFO},
		{"verbose", INFO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestLoggerKeyValueFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewFromZap(zap.New(core)).With("component", "reconciler")

	log.Infow("event processed", "eventID", "evt_1", "outcome", "activated")
	log.Debugw("debug line")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "event processed", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "reconciler", fields["component"])
	assert.Equal(t, "evt_1", fields["eventID"])
	assert.Equal(t, "activated", fields["outcome"])
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	log := NewNop()
	log.Infow("ignored", "k", "v")
	log.Named("x").Warnw("ignored")
}
