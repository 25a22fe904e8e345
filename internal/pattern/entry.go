package pattern

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-errors/errors"
)

// Entry is a candidate backup whose name carried a valid timestamp.
type Entry struct {
	Path string
	Time time.Time
}

// Extract matches the base name of path against the template. ok is false when the name does
// not match, which is not an error: unrelated files are expected next to backups. A name that
// matches but carries an impossible date returns ok together with an *InvalidDateError, and so
// does a wall clock time that loc skips at a daylight saving transition. Components missing from the template default to the start of their unit. The timestamp is
// interpreted in loc, or in UTC when loc is nil.
func (m *Matcher) Extract(path string, loc *time.Location) (entry Entry, ok bool, err error) {
	groups := m.re.FindStringSubmatch(filepath.Base(path))
	if groups == nil {
		return Entry{}, false, nil
	}

	values := map[string]int{Month: 1, Day: 1}
	for i, name := range m.re.SubexpNames() {
		if name == "" {
			continue
		}
		// Groups are fixed-width digit runs, so Atoi cannot fail.
		values[name], _ = strconv.Atoi(groups[i])
	}

	if loc == nil {
		loc = time.UTC
	}

	year, month, day := values[Year], values[Month], values[Day]
	hour, minute := values[Hour], values[Minute]
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)

	// time.Date normalises overflow (month 13 becomes January) and moves times inside a DST
	// gap, so compare the fields back.
	if hour > 23 || minute > 59 ||
		t.Year() != year || int(t.Month()) != month || t.Day() != day ||
		(m.Has(Hour) && t.Hour() != hour) || (m.Has(Minute) && t.Minute() != minute) {
		return Entry{}, true, errors.Wrap(&InvalidDateError{
			Path:   path,
			Year:   year,
			Month:  month,
			Day:    day,
			Hour:   hour,
			Minute: minute,
		}, 0)
	}

	return Entry{Path: path, Time: t}, true, nil
}
