package retention

import (
	"sort"
	"time"

	"github.com/agerwick/backup-retention/internal/pattern"
)

// Reason explains why an entry is retained.
type Reason string

const (
	ReasonKeepAll  Reason = "keep-all"
	ReasonFuture   Reason = "future"
	ReasonLatest   Reason = "latest"
	ReasonEarliest Reason = "earliest"
)

// Verdict is the classification of a single entry.
type Verdict struct {
	pattern.Entry
	Retained bool
	Reason   Reason
	// Period labels the calendar bucket the entry was kept for, for unit tiers only.
	Period string
}

// Result holds one verdict per entry, newest first.
type Result struct {
	Verdicts []Verdict
}

// Retained returns the retained verdicts, newest first.
func (r *Result) Retained() []Verdict {
	return r.filter(true)
}

// Discardable returns the verdicts no rule retained, newest first.
func (r *Result) Discardable() []Verdict {
	return r.filter(false)
}

// Counts returns the number of retained entries per reason.
func (r *Result) Counts() map[Reason]int {
	counts := make(map[Reason]int)
	for _, v := range r.Verdicts {
		if v.Retained {
			counts[v.Reason]++
		}
	}
	return counts
}

func (r *Result) filter(retained bool) []Verdict {
	var out []Verdict
	for _, v := range r.Verdicts {
		if v.Retained == retained {
			out = append(out, v)
		}
	}
	return out
}

// window is the span of time a tier considers. Entries at or after to are excluded when the
// window is bounded.
type window struct {
	from    time.Time
	to      time.Time
	bounded bool
}

func (w window) contains(t time.Time) bool {
	if t.Before(w.from) {
		return false
	}
	return !w.bounded || t.Before(w.to)
}

// newWindow covers count periods of u ending at origin. The newest period is the one holding
// the instant just before origin, or holding origin itself when the window is unbounded.
func newWindow(u Unit, count int, origin time.Time, bounded bool) window {
	ref := origin
	if bounded {
		ref = origin.Add(-time.Nanosecond)
	}
	return window{
		from:    u.Back(u.Start(ref), count-1),
		to:      origin,
		bounded: bounded,
	}
}

// Classify decides for every entry whether policy retains it at time now. Entries are
// considered in order of descending time with ties broken by path, so the result does not
// depend on the order of entries. Timestamps are compared as instants; calendar periods are
// taken in the location of now.
func Classify(entries []pattern.Entry, policy *Policy, now time.Time) *Result {
	verdicts := make([]Verdict, len(entries))
	for i, e := range entries {
		verdicts[i] = Verdict{Entry: e}
	}
	sort.SliceStable(verdicts, func(i, j int) bool {
		a, b := verdicts[i], verdicts[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.After(b.Time)
		}
		return a.Path < b.Path
	})
	result := &Result{Verdicts: verdicts}

	// pool holds indexes of unclaimed verdicts, newest first.
	pool := make([]int, 0, len(verdicts))
	for i := range verdicts {
		pool = append(pool, i)
	}

	keep := func(i int, reason Reason, period string) {
		verdicts[i].Retained = true
		verdicts[i].Reason = reason
		verdicts[i].Period = period
	}

	if policy.KeepAll {
		for _, i := range pool {
			keep(i, ReasonKeepAll, "")
		}
		return result
	}

	// 1. Backups stamped in the future are never touched.
	pool = claim(pool, func(i int) bool {
		if verdicts[i].Time.After(now) {
			keep(i, ReasonFuture, "")
			return true
		}
		return false
	})

	// 2. Absolute rules: the newest N, then the single oldest.
	latest := min(policy.Latest, len(pool))
	for _, i := range pool[:latest] {
		keep(i, ReasonLatest, "")
	}
	pool = pool[latest:]

	if policy.Earliest && len(pool) > 0 {
		keep(pool[len(pool)-1], ReasonEarliest, "")
		pool = pool[:len(pool)-1]
	}

	// 3. Unit tiers, smallest first. Each keeps the newest entry per period inside its window.
	origin := now
	bounded := false
	for _, tier := range policy.Tiers {
		w := newWindow(tier.Unit, tier.Count, origin, bounded)
		seen := make(map[string]bool)

		pool = claim(pool, func(i int) bool {
			t := verdicts[i].Time.In(now.Location())
			if !w.contains(t) {
				return false
			}
			label := tier.Unit.Label(t)
			if seen[label] {
				return false
			}
			seen[label] = true
			keep(i, tier.Unit.Reason(), label)
			return true
		})

		if policy.Method == Cumulative {
			origin, bounded = w.from, true
		}
	}

	return result
}

// claim returns the indexes of pool for which take reports false, preserving order.
func claim(pool []int, take func(int) bool) []int {
	rest := make([]int, 0, len(pool))
	for _, i := range pool {
		if !take(i) {
			rest = append(rest, i)
		}
	}
	return rest
}
