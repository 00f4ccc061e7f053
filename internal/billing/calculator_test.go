package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

func TestNextBillingDate(t *testing.T) {
	t0 := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	cases := []struct {
		period models.Period
		want   time.Time
	}{
		{models.PeriodMonthly, time.Date(2024, 2, 15, 10, 30, 0, 0, time.UTC)},
		{models.PeriodQuarterly, time.Date(2024, 4, 15, 10, 30, 0, 0, time.UTC)},
		{models.PeriodYearly, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)},
		{models.PeriodLifetime, time.Date(2124, 1, 15, 10, 30, 0, 0, time.UTC)},
		{models.Period("fortnightly"), time.Date(2024, 2, 15, 10, 30, 0, 0, time.UTC)},
		{models.Period(""), time.Date(2024, 2, 15, 10, 30, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		t.Run(string(tc.period), func(t *testing.T) {
			assert.Equal(t, tc.want, NextBillingDate(tc.period, t0))
		})
	}
}

func TestNextBillingDateAlwaysAdvances(t *testing.T) {
	periods := []models.Period{models.PeriodMonthly, models.PeriodQuarterly, models.PeriodYearly, models.PeriodLifetime, "weird"}
	starts := []time.Time{
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC),
		time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC),
		time.Date(1999, 6, 30, 0, 0, 0, 0, time.UTC),
	}

	for _, p := range periods {
		for _, s := range starts {
			assert.Truef(t, NextBillingDate(p, s).After(s), "period %s from %v", p, s)
		}
	}
}

func TestRollForwardFromCatchesUpMissedPeriods(t *testing.T) {
	next := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC)

	rolled := RollForwardFrom(next, models.PeriodMonthly, now)

	assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), rolled)
	assert.True(t, rolled.After(now))
}

func TestRollForwardFromSinglePeriod(t *testing.T) {
	next := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	now := next.Add(time.Minute)

	assert.Equal(t, time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC), RollForwardFrom(next, models.PeriodQuarterly, now))
}

func TestRollForwardFromAdvancesEvenWhenNotDue(t *testing.T) {
	next := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	now := next.Add(-time.Hour)

	assert.True(t, RollForwardFrom(next, models.PeriodYearly, now).After(next))
}
