// Package proration считает возврат при выходе участника из группы посреди расчетного периода.
package proration

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// Period - расчетный период подписки. Нулевое значение означает календарный месяц.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) valid() bool {
	return !p.Start.IsZero() && p.End.After(p.Start)
}

// Result - позиция в периоде и сумма возврата
type Result struct {
	DaysInPeriod  int
	DaysRemaining int
	Refund        int64
}

// Refund = round(monthlyCost / daysInPeriod * daysRemaining), половина округляется вверх.
// Результат всегда в пределах [0, monthlyCost].
func Refund(monthlyCost int64, daysInPeriod, daysRemaining int) int64 {
	if monthlyCost <= 0 || daysInPeriod <= 0 || daysRemaining <= 0 {
		return 0
	}
	if daysRemaining >= daysInPeriod {
		return monthlyCost
	}
	// Целочисленно: (2*a*b + c) / (2*c) == round(a*b/c) для положительных
	num := 2*monthlyCost*int64(daysRemaining) + int64(daysInPeriod)
	return num / (2 * int64(daysInPeriod))
}

// Compute определяет число оставшихся дней на момент now и сумму возврата.
// Если период не задан, используется календарный месяц now: осталось daysInMonth - day.
func Compute(monthlyCost int64, now time.Time, period Period) Result {
	var total, remaining int
	if period.valid() {
		total = int(math.Ceil(period.End.Sub(period.Start).Hours() / 24))
		switch {
		case now.Before(period.Start):
			remaining = total
		case !now.Before(period.End):
			remaining = 0
		default:
			dayNumber := int(now.Sub(period.Start)/day) + 1
			remaining = total - dayNumber
		}
	} else {
		total = DaysInMonth(now)
		remaining = total - now.Day()
	}
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		DaysInPeriod:  total,
		DaysRemaining: remaining,
		Refund:        Refund(monthlyCost, total, remaining),
	}
}

// DaysInMonth возвращает число дней в месяце t
func DaysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
