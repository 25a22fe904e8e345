package pattern

import (
	"fmt"

	"github.com/go-errors/errors"
)

// InvalidTemplateError reports a template that cannot be compiled.
type InvalidTemplateError struct {
	Template string
	Token    string
	Reason   string
}

func (e *InvalidTemplateError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("invalid template %q: %s", e.Template, e.Reason)
	}
	return fmt.Sprintf("invalid template %q: %s %s", e.Template, e.Reason, e.Token)
}

// InvalidDateError reports a name that matched the template but does not hold a real
// calendar date or time of day.
type InvalidDateError struct {
	Path                           string
	Year, Month, Day, Hour, Minute int
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("invalid date in %s: %04d-%02d-%02d %02d:%02d",
		e.Path, e.Year, e.Month, e.Day, e.Hour, e.Minute)
}

func invalidTemplate(template, token, reason string) error {
	return errors.Wrap(&InvalidTemplateError{Template: template, Token: token, Reason: reason}, 1)
}
