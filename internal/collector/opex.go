package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/evradar/evradar/internal/models"
)

// OpexCollector computes monthly US equity options expiration events. OPEX
// is the third Friday of the month at the 16:00 ET close, moved to the prior
// day when the exchange is closed that Friday.
type OpexCollector struct {
	months int
	now    func() time.Time
}

func NewOpexCollector(months int) *OpexCollector {
	return &OpexCollector{months: months, now: time.Now}
}

func (c *OpexCollector) Name() string { return "computed_opex" }

// Collect generates one flows candidate per month starting from the current
// month. Computation cannot partially fail, so the error slice is always
// empty.
func (c *OpexCollector) Collect(ctx context.Context) ([]models.Candidate, []string) {
	now := c.now()
	out := make([]models.Candidate, 0, c.months)

	for i := 0; i < c.months; i++ {
		month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, eastern).AddDate(0, i, 0)
		day := thirdFriday(month.Year(), month.Month())
		for marketClosed(day) {
			day = day.AddDate(0, 0, -1)
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), 16, 0, 0, 0, eastern)
		end := start.Add(time.Hour)

		out = append(out, models.Candidate{
			Title:      fmt.Sprintf("OPEX (US) %s", start.Format("2006-01-02")),
			Start:      start,
			End:        &end,
			Category:   models.CategoryFlows,
			Tags:       []string{"OPEX"},
			RiskScore:  35,
			Confidence: 1.0,
			SourceName: "computed_opex",
			SourceID:   fmt.Sprintf("opex:%04d-%02d", month.Year(), int(month.Month())),
			Evidence:   "computed: 3rd Friday adjusted to previous trading day",
			Action:     models.ActionAdd,
		})
	}
	return out, nil
}

func thirdFriday(year int, month time.Month) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, eastern)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 14)
}

// marketClosed reports whether NYSE is closed on the given date for a
// holiday that can land on a third Friday. Only Good Friday and Juneteenth
// can; the other market holidays never fall in the 15th-21st window of
// their months.
func marketClosed(d time.Time) bool {
	if d.Month() == time.June && d.Day() == 19 && d.Year() >= 2022 {
		return true
	}
	gf := goodFriday(d.Year())
	return d.Month() == gf.Month() && d.Day() == gf.Day()
}

// goodFriday returns Good Friday of the given year, two days before Easter
// Sunday per the anonymous Gregorian computus.
func goodFriday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, eastern)
	return easter.AddDate(0, 0, -2)
}
