// Package pattern turns backup name templates such as "db-{YYYY}{MM}{DD}T{hh}{mm}.tar.gz" into
// anchored matchers that both select candidate entries and extract their timestamps.
package pattern

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/go-errors/errors"
)

// DefaultTemplate matches names like 20230520T0100.
const DefaultTemplate = "{YYYY}{MM}{DD}T{hh}{mm}"

const (
	Year   = "YYYY"
	Month  = "MM"
	Day    = "DD"
	Hour   = "hh"
	Minute = "mm"
)

var placeholderWidth = map[string]int{
	Year:   4,
	Month:  2,
	Day:    2,
	Hour:   2,
	Minute: 2,
}

// placeholderToken matches a brace token that looks like a placeholder name, known or not.
var placeholderToken = regexp.MustCompile(`^\{[A-Za-z]+\}`)

// Matcher is a compiled template. It holds no per-run state and can be shared.
type Matcher struct {
	template string
	re       *regexp.Regexp
	fields   map[string]bool
}

// Compile translates template left to right into an anchored regular expression.
func Compile(template string) (*Matcher, error) {
	if template == "" {
		return nil, invalidTemplate(template, "", "template is empty")
	}

	var b strings.Builder
	b.WriteString("^")
	fields := make(map[string]bool)

	for i := 0; i < len(template); {
		switch c := template[i]; {
		case c == '?':
			b.WriteString(".")
			i++
		case c == '*':
			b.WriteString(".*")
			i++
		case c == '{' && placeholderToken.MatchString(template[i:]):
			token := placeholderToken.FindString(template[i:])
			name := token[1 : len(token)-1]
			width, ok := placeholderWidth[name]
			if !ok {
				return nil, invalidTemplate(template, token, "unknown placeholder")
			}
			if fields[name] {
				return nil, invalidTemplate(template, token, "placeholder used more than once")
			}
			fields[name] = true
			b.WriteString(`(?P<` + name + `>\d{` + strconv.Itoa(width) + `})`)
			i += len(token)
		default:
			// Copy the run of literal bytes up to the next special character.
			j := i + 1
			for j < len(template) && !strings.ContainsRune("?*{", rune(template[j])) {
				j++
			}
			b.WriteString(regexp.QuoteMeta(template[i:j]))
			i = j
		}
	}
	b.WriteString("$")

	if !fields[Year] {
		return nil, invalidTemplate(template, "", "template has no {YYYY} placeholder")
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	return &Matcher{template: template, re: re, fields: fields}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(template string) *Matcher {
	m, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return m
}

// Template returns the source template.
func (m *Matcher) Template() string {
	return m.template
}

// Regexp returns the compiled expression.
func (m *Matcher) Regexp() string {
	return m.re.String()
}

// Has reports whether the template contains the named placeholder.
func (m *Matcher) Has(name string) bool {
	return m.fields[name]
}

// MatchString reports whether name conforms to the template.
func (m *Matcher) MatchString(name string) bool {
	return m.re.MatchString(name)
}
