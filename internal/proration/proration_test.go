package proration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefund(t *testing.T) {
	tests := []struct {
		name      string
		cost      int64
		days      int
		remaining int
		want      int64
	}{
		{name: "thirty day month, ten left", cost: 30000, days: 30, remaining: 10, want: 10000},
		{name: "nothing left", cost: 30000, days: 30, remaining: 0, want: 0},
		{name: "whole period left", cost: 30000, days: 30, remaining: 30, want: 30000},
		{name: "more than period clamps", cost: 30000, days: 30, remaining: 45, want: 30000},
		{name: "one of thirty-one days", cost: 1000, days: 31, remaining: 1, want: 32},
		{name: "one of thirty days", cost: 1000, days: 30, remaining: 1, want: 33},
		{name: "february", cost: 28000, days: 28, remaining: 7, want: 7000},
		{name: "zero period", cost: 1000, days: 0, remaining: 5, want: 0},
		{name: "negative cost", cost: -5, days: 30, remaining: 5, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Refund(tt.cost, tt.days, tt.remaining))
		})
	}
}

func TestComputeCalendarMonth(t *testing.T) {
	// Сентябрь: 30 дней, 20-е число -> осталось 10
	now := time.Date(2026, time.September, 20, 15, 0, 0, 0, time.UTC)
	got := Compute(30000, now, Period{})

	assert.Equal(t, 30, got.DaysInPeriod)
	assert.Equal(t, 10, got.DaysRemaining)
	assert.Equal(t, int64(10000), got.Refund)
}

func TestComputeLastDayOfMonth(t *testing.T) {
	now := time.Date(2026, time.January, 31, 8, 0, 0, 0, time.UTC)
	got := Compute(31000, now, Period{})
	assert.Equal(t, 0, got.DaysRemaining)
	assert.Equal(t, int64(0), got.Refund)
}

func TestComputeBillingPeriod(t *testing.T) {
	start := time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC)
	period := Period{Start: start, End: start.AddDate(0, 0, 30)}

	tests := []struct {
		name      string
		now       time.Time
		remaining int
		refund    int64
	}{
		{name: "first day", now: start.Add(2 * time.Hour), remaining: 29, refund: 29000},
		{name: "day twenty", now: start.AddDate(0, 0, 19).Add(time.Hour), remaining: 10, refund: 10000},
		{name: "before start", now: start.Add(-time.Hour), remaining: 30, refund: 30000},
		{name: "after end", now: period.End.Add(time.Minute), remaining: 0, refund: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(30000, tt.now, period)
			assert.Equal(t, 30, got.DaysInPeriod)
			assert.Equal(t, tt.remaining, got.DaysRemaining)
			assert.Equal(t, tt.refund, got.Refund)
		})
	}
}

func TestDaysInMonth(t *testing.T) {
	assert.Equal(t, 29, DaysInMonth(time.Date(2028, time.February, 10, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 28, DaysInMonth(time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 31, DaysInMonth(time.Date(2026, time.December, 1, 0, 0, 0, 0, time.UTC)))
}
