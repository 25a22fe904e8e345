package action

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/agerwick/backup-retention/internal/retention"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Reporter prints classification results for people.
type Reporter struct {
	out  io.Writer
	keep *color.Color
	drop *color.Color
	warn *color.Color
	dim  *color.Color
}

// NewReporter writes to out, in colour only when out is a terminal.
func NewReporter(out io.Writer) *Reporter {
	r := &Reporter{
		out:  out,
		keep: color.New(color.FgGreen),
		drop: color.New(color.FgRed),
		warn: color.New(color.FgYellow),
		dim:  color.New(color.FgCyan),
	}

	enabled := false
	if f, ok := out.(*os.File); ok {
		enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	for _, c := range []*color.Color{r.keep, r.drop, r.warn, r.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// List prints the retained and discardable entries, sorted by path. Verbose output gives the
// reason for every entry instead of two grouped lists. invalid names entries skipped because
// their names hold impossible dates.
func (r *Reporter) List(result *retention.Result, invalid []string, verbose bool) {
	if len(result.Verdicts) == 0 && len(invalid) == 0 {
		fmt.Fprintln(r.out, "No files matching the specified file format found. See --help if in doubt.")
		return
	}

	verdicts := append([]retention.Verdict(nil), result.Verdicts...)
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].Path < verdicts[j].Path })

	if verbose {
		for _, v := range verdicts {
			if v.Retained {
				fmt.Fprintf(r.out, "%s - %s %s\n", v.Path, r.dim.Sprint("Reason to keep:"), r.keep.Sprint(Describe(v)))
			} else {
				fmt.Fprintf(r.out, "%s - %s\n", v.Path, r.drop.Sprint("No reason to keep"))
			}
		}
		for _, path := range invalid {
			fmt.Fprintf(r.out, "%s - %s\n", path, r.warn.Sprint("Ignored: invalid date"))
		}
		fmt.Fprintln(r.out, "Files with no reason to keep can be deleted or moved using --action=delete or --action=move, see --help")
		return
	}

	var keep, drop []string
	for _, v := range verdicts {
		if v.Retained {
			keep = append(keep, v.Path)
		} else {
			drop = append(drop, v.Path)
		}
	}

	fmt.Fprintln(r.out, r.keep.Sprintf("Files to keep: %d", len(keep)))
	for _, path := range keep {
		fmt.Fprintln(r.out, path)
	}
	fmt.Fprintln(r.out, r.drop.Sprintf("Files to move or delete: %d", len(drop)))
	for _, path := range drop {
		fmt.Fprintln(r.out, path)
	}
	if len(invalid) > 0 {
		fmt.Fprintln(r.out, r.warn.Sprintf("Files ignored because of invalid dates: %d", len(invalid)))
		for _, path := range invalid {
			fmt.Fprintln(r.out, path)
		}
	}
}

// Describe explains in words why v is retained, or that it is not.
func Describe(v retention.Verdict) string {
	if !v.Retained {
		return "no reason to keep"
	}
	switch v.Reason {
	case retention.ReasonKeepAll:
		return "policy retains all files"
	case retention.ReasonFuture:
		return "future datetime"
	case retention.ReasonLatest:
		return "latest"
	case retention.ReasonEarliest:
		return "earliest"
	}
	return fmt.Sprintf("%s %s", v.Reason, v.Period)
}
