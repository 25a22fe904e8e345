package retention

import (
	"fmt"
	"time"
)

// Unit is a calendar period used to bucket backups. Units are ordered from the smallest
// period to the largest, and tiers are applied in that order.
type Unit int

const (
	Hour Unit = iota
	Day
	Week
	Fortnight
	Month
	Quarter
	Year
)

// Units lists every unit in application order.
var Units = []Unit{Hour, Day, Week, Fortnight, Month, Quarter, Year}

var unitNames = map[Unit]struct{ plural, adverb string }{
	Hour:      {"hours", "hourly"},
	Day:       {"days", "daily"},
	Week:      {"weeks", "weekly"},
	Fortnight: {"fortnights", "fortnightly"},
	Month:     {"months", "monthly"},
	Quarter:   {"quarters", "quarterly"},
	Year:      {"years", "yearly"},
}

// String returns the canonical policy token for the unit ("days", "weeks", ...).
func (u Unit) String() string {
	if n, ok := unitNames[u]; ok {
		return n.plural
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

// Reason is the retain reason recorded for entries claimed by a tier of this unit.
func (u Unit) Reason() Reason {
	return Reason(unitNames[u].adverb)
}

// fortnightEpoch is the Monday that starts fortnight zero.
var fortnightEpoch = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

// Start returns the beginning of the period of this unit that contains t, in t's location.
func (u Unit) Start(t time.Time) time.Time {
	loc := t.Location()
	y, m, d := t.Date()

	switch u {
	case Hour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	case Day:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case Week:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
	case Fortnight:
		// Count in civil days so DST transitions do not shift the boundaries.
		days := int((time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() - fortnightEpoch.Unix()) / 86400)
		offset := days % 14
		if offset < 0 {
			offset += 14
		}
		return time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case Quarter:
		first := time.Month((int(m)-1)/3*3 + 1)
		return time.Date(y, first, 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	}
	panic(fmt.Sprintf("retention: unknown unit %d", int(u)))
}

const maxHourStep = 1 << 20

// Back returns the start of the period n periods before the period starting at start.
// start must be a value returned by Start.
func (u Unit) Back(start time.Time, n int) time.Time {
	y, m, d := start.Date()
	loc := start.Location()

	switch u {
	case Hour:
		// A time.Duration spans about 292 years, so step back in chunks.
		for n > maxHourStep {
			start = start.Add(-maxHourStep * time.Hour)
			n -= maxHourStep
		}
		return start.Add(-time.Duration(n) * time.Hour)
	case Day:
		return time.Date(y, m, d-n, 0, 0, 0, 0, loc)
	case Week:
		return time.Date(y, m, d-7*n, 0, 0, 0, 0, loc)
	case Fortnight:
		return time.Date(y, m, d-14*n, 0, 0, 0, 0, loc)
	case Month:
		return time.Date(y, m-time.Month(n), 1, 0, 0, 0, 0, loc)
	case Quarter:
		return time.Date(y, m-time.Month(3*n), 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y-n, time.January, 1, 0, 0, 0, 0, loc)
	}
	panic(fmt.Sprintf("retention: unknown unit %d", int(u)))
}

// Label names the period of this unit that contains t, e.g. "2024-W19" or "2024-Q2".
func (u Unit) Label(t time.Time) string {
	start := u.Start(t)

	switch u {
	case Hour:
		return start.Format("2006-01-02T15")
	case Day:
		return start.Format("2006-01-02")
	case Week:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Fortnight:
		year, week := start.ISOWeek()
		_, next := start.AddDate(0, 0, 7).ISOWeek()
		return fmt.Sprintf("%04d-W%02d/W%02d", year, week, next)
	case Month:
		return start.Format("2006-01")
	case Quarter:
		return fmt.Sprintf("%04d-Q%d", start.Year(), (int(start.Month())-1)/3+1)
	case Year:
		return start.Format("2006")
	}
	return ""
}
