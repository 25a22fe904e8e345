// Package retention decides which timestamped backups a grandfather-father-son style policy
// keeps. It performs no I/O: Classify is a pure function of the entries, the policy and the
// current time.
package retention

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-errors/errors"
)

// Method selects how the time window of each tier is anchored.
type Method int

const (
	// Cumulative stacks tier windows outward from now: each tier starts where the previous,
	// smaller tier's window ended.
	Cumulative Method = iota
	// Progressive measures every tier's window back from now, independently of the others.
	Progressive
)

// DefaultMethod is used when neither the policy nor the caller chooses one.
const DefaultMethod = Cumulative

func (m Method) String() string {
	switch m {
	case Cumulative:
		return "cumulative"
	case Progressive:
		return "progressive"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod parses "cumulative" or "progressive".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cumulative":
		return Cumulative, nil
	case "progressive":
		return Progressive, nil
	}
	return 0, fmt.Errorf("unknown retention method %q (want cumulative or progressive)", s)
}

// Tier retains the newest entry of each of the Count most recent periods of Unit.
type Tier struct {
	Unit  Unit
	Count int
}

// MaxCount is the largest count a rule accepts.
const MaxCount = 1_000_000_000

func (t Tier) String() string {
	return fmt.Sprintf("%s=%d", t.Unit, t.Count)
}

// Policy is a parsed retention policy. Tiers are sorted by unit, smallest first.
// The zero Policy retains nothing.
type Policy struct {
	Latest   int
	Earliest bool
	KeepAll  bool
	Tiers    []Tier
	Method   Method
}

// String renders the policy in canonical token form. Parsing the result yields an equal policy.
func (p *Policy) String() string {
	var tokens []string
	if p.KeepAll {
		tokens = append(tokens, "keep-all")
	}
	if p.Latest > 0 {
		tokens = append(tokens, fmt.Sprintf("latest=%d", p.Latest))
	}
	if p.Earliest {
		tokens = append(tokens, "earliest")
	}
	for _, t := range p.Tiers {
		tokens = append(tokens, t.String())
	}
	tokens = append(tokens, "method="+p.Method.String())
	return strings.Join(tokens, " ")
}

// Tier returns the tier for unit u, if the policy has one.
func (p *Policy) Tier(u Unit) (Tier, bool) {
	for _, t := range p.Tiers {
		if t.Unit == u {
			return t, true
		}
	}
	return Tier{}, false
}

// InvalidPolicyError reports a retention string that cannot be parsed.
type InvalidPolicyError struct {
	Policy string
	Token  string
	Reason string
}

func (e *InvalidPolicyError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("invalid retention policy %q: %s", e.Policy, e.Reason)
	}
	return fmt.Sprintf("invalid retention policy %q: %s: %q", e.Policy, e.Reason, e.Token)
}

// Names a count token may use. "latest" is handled separately.
var unitAliases = map[string]Unit{
	"hours": Hour, "hourly": Hour,
	"days": Day, "daily": Day,
	"weeks": Week, "weekly": Week,
	"fortnights": Fortnight, "fortnightly": Fortnight,
	"months": Month, "monthly": Month,
	"quarters": Quarter, "quarterly": Quarter,
	"years": Year, "yearly": Year,
}

// ParsePolicy parses a whitespace separated retention string using DefaultMethod unless the
// string carries a method= token.
func ParsePolicy(s string) (*Policy, error) {
	return ParsePolicyWithMethod(s, DefaultMethod)
}

// ParsePolicyWithMethod is ParsePolicy with a caller-chosen default method.
//
// Canonical tokens are latest=N, hours=N, days=N, weeks=N, fortnights=N, months=N,
// quarters=N, years=N, earliest, keep-all and method=cumulative|progressive. Every name may
// also carry a "keep-" prefix, and the adverb forms (daily, weekly, ...) and last are aliases,
// so "keep-last=3 keep-daily=7" parses the same as "latest=3 days=7".
func ParsePolicyWithMethod(s string, method Method) (*Policy, error) {
	fail := func(token, reason string) error {
		return errors.Wrap(&InvalidPolicyError{Policy: s, Token: token, Reason: reason}, 2)
	}

	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return nil, fail("", "policy is empty")
	}

	p := &Policy{Method: method}
	seen := make(map[string]bool)
	others := 0

	for _, token := range tokens {
		name, value, hasValue := strings.Cut(token, "=")
		name = strings.TrimPrefix(strings.ToLower(name), "keep-")

		key := name
		if name == "last" {
			key = "latest"
		}
		if u, ok := unitAliases[name]; ok {
			key = u.String()
		}
		if seen[key] {
			return nil, fail(token, "repeated")
		}
		seen[key] = true

		switch {
		case name == "all" || name == "earliest":
			if hasValue {
				return nil, fail(token, "flag takes no value")
			}
			if name == "all" {
				p.KeepAll = true
			} else {
				p.Earliest = true
				others++
			}
			continue
		case name == "method":
			m, err := ParseMethod(value)
			if err != nil {
				return nil, fail(token, "unknown method")
			}
			p.Method = m
			continue
		}

		_, isUnit := unitAliases[name]
		if key != "latest" && !isUnit {
			return nil, fail(token, "unknown retention unit")
		}
		if !hasValue {
			return nil, fail(token, "missing count")
		}
		count, err := strconv.Atoi(value)
		if err != nil {
			return nil, fail(token, "count is not a number")
		}
		if count <= 0 {
			return nil, fail(token, "count must be positive")
		}
		if count > MaxCount {
			return nil, fail(token, fmt.Sprintf("count must not exceed %d", MaxCount))
		}
		others++

		if key == "latest" {
			p.Latest = count
			continue
		}
		p.Tiers = append(p.Tiers, Tier{Unit: unitAliases[name], Count: count})
	}

	if p.KeepAll && others > 0 {
		return nil, fail("keep-all", "cannot be combined with other rules")
	}

	sort.Slice(p.Tiers, func(i, j int) bool { return p.Tiers[i].Unit < p.Tiers[j].Unit })

	return p, nil
}
