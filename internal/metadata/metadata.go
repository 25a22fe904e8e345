package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/agerwick/backup-retention/internal/filelock"
	"github.com/agerwick/backup-retention/internal/retention"
	"github.com/google/uuid"
)

// Report describes one prune run. It is written for operators and monitoring; the engine never
// reads it back.
type Report struct {
	RunID      string `json:"run_id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"`

	Directory string `json:"directory"`
	Format    string `json:"format"`
	Policy    string `json:"policy"`
	Action    string `json:"action"`

	Matched     int            `json:"matched"`
	Retained    int            `json:"retained"`
	Discardable int            `json:"discardable"`
	Invalid     int            `json:"invalid"`
	Acted       int            `json:"acted"`
	Failed      int            `json:"failed"`
	Reasons     map[string]int `json:"reasons,omitempty"`

	Entries []Entry  `json:"entries,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type Entry struct {
	Path     string `json:"path"`
	Time     string `json:"time"`
	Retained bool   `json:"retained"`
	Reason   string `json:"reason,omitempty"`
	Period   string `json:"period,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// NewReport starts a report for a run beginning at startedAt.
func NewReport(startedAt time.Time) *Report {
	return &Report{
		RunID:     uuid.New().String(),
		StartedAt: startedAt.Format(time.RFC3339),
		Status:    StatusFailed,
	}
}

// AddResult records the classification of a run.
func (r *Report) AddResult(result *retention.Result) {
	r.Matched = len(result.Verdicts)
	r.Retained = 0
	r.Discardable = 0
	r.Reasons = make(map[string]int)
	r.Entries = make([]Entry, 0, len(result.Verdicts))

	for _, v := range result.Verdicts {
		if v.Retained {
			r.Retained++
			r.Reasons[string(v.Reason)]++
		} else {
			r.Discardable++
		}
		r.Entries = append(r.Entries, Entry{
			Path:     v.Path,
			Time:     v.Time.Format(time.RFC3339),
			Retained: v.Retained,
			Reason:   string(v.Reason),
			Period:   v.Period,
		})
	}
}

// Finish stamps the end of the run and derives the status from the failure count.
func (r *Report) Finish(startedAt, finishedAt time.Time) {
	r.FinishedAt = finishedAt.Format(time.RFC3339)
	r.DurationMs = finishedAt.Sub(startedAt).Milliseconds()

	switch {
	case r.Failed == 0:
		r.Status = StatusSuccess
	case r.Acted > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusFailed
	}
}

func ReadLastRun(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read last run: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse last run: %w", err)
	}

	return &report, nil
}

func WriteLastRun(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal last run: %w", err)
	}

	if err := filelock.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write last run: %w", err)
	}

	return nil
}
