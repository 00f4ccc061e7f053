package billing

import (
	"time"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// lifetimeYears stands in for "never renews".
const lifetimeYears = 100

// NextBillingDate returns the instant one billing period after from.
// Unrecognised periods bill monthly. Month arithmetic follows time.AddDate,
// so Jan 31 + 1 month lands on Mar 2/3.
func NextBillingDate(period models.Period, from time.Time) time.Time {
	switch period {
	case models.PeriodQuarterly:
		return from.AddDate(0, 3, 0)
	case models.PeriodYearly:
		return from.AddDate(1, 0, 0)
	case models.PeriodLifetime:
		return from.AddDate(lifetimeYears, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// RollForwardFrom advances next by whole periods until it is strictly after
// now. It always advances at least once, so a sweeper that was down for
// several periods catches up in a single pass while keeping the billing anchor.
func RollForwardFrom(next time.Time, period models.Period, now time.Time) time.Time {
	rolled := NextBillingDate(period, next)
	for !rolled.After(now) {
		rolled = NextBillingDate(period, rolled)
	}
	return rolled
}
