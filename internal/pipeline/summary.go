package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/statements"
)

// Exit codes of a run.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Name     PhaseName
	Status   PhaseStatus
	Duration time.Duration
	Err      error
}

// RunSummary reports what a run did, item by item.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Phases     []PhaseResult

	// Fatal is the error that aborted the run, if any.
	Fatal         error
	FailOnPartial bool

	FilesSucceeded []string
	FilesFailed    []string
	FilesRejected  []statements.Rejection

	Ingest    *fees.IngestResult
	Aggregate *fees.AggregateResult
	Snapshot  *fees.SnapshotResult
	Export    map[string]int
}

func (s *RunSummary) fill(state *RunState) {
	if state.Selection != nil {
		s.FilesRejected = state.Selection.Rejected
	}
	if state.Transfer != nil {
		for _, t := range state.Transfer.Succeeded {
			s.FilesSucceeded = append(s.FilesSucceeded, t.Key())
		}
		s.FilesFailed = state.Transfer.FailedKeys()
		sort.Strings(s.FilesSucceeded)
		sort.Strings(s.FilesFailed)
	}
	s.Ingest = state.Ingest
	s.Aggregate = state.Aggregate
	s.Snapshot = state.Snapshot
	s.Export = state.Export
}

// OK reports whether the run counts as successful. Partial phases count as
// failures only when FailOnPartial is set.
func (s RunSummary) OK() bool {
	if s.Fatal != nil {
		return false
	}
	for _, p := range s.Phases {
		switch p.Status {
		case StatusFailed:
			return false
		case StatusPartial:
			if s.FailOnPartial {
				return false
			}
		}
	}
	return true
}

// ExitCode maps the summary to the process exit code.
func (s RunSummary) ExitCode() int {
	switch {
	case s.Fatal != nil && errors.Is(s.Fatal, context.Canceled):
		return ExitInterrupted
	case s.OK():
		return ExitOK
	default:
		return ExitFailed
	}
}

// Write prints a human-readable summary.
func (s RunSummary) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s)\n", s.RunID, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	for _, p := range s.Phases {
		line := fmt.Sprintf("  %-11s %-9s", p.Name, p.Status)
		if p.Status != StatusSkipped {
			line += fmt.Sprintf(" %s", p.Duration.Round(time.Millisecond))
		}
		if p.Err != nil {
			line += "  " + p.Err.Error()
		}
		b.WriteString(line + "\n")
	}

	if len(s.FilesSucceeded)+len(s.FilesFailed)+len(s.FilesRejected) > 0 {
		fmt.Fprintf(&b, "Files: %d uploaded, %d failed, %d not selected\n",
			len(s.FilesSucceeded), len(s.FilesFailed), len(s.FilesRejected))
		for _, k := range s.FilesSucceeded {
			fmt.Fprintf(&b, "  ok      %s\n", k)
		}
		for _, k := range s.FilesFailed {
			fmt.Fprintf(&b, "  FAILED  %s\n", k)
		}
	}
	if s.Ingest != nil {
		fmt.Fprintf(&b, "Fees: %d fetched, %d inserted, %d updated, %d unchanged, %d skipped, %d conflicts\n",
			s.Ingest.Fetched, s.Ingest.Inserted, s.Ingest.Updated, s.Ingest.Unchanged,
			s.Ingest.SkippedUnparsable, s.Ingest.ProductConflicts)
		if s.Ingest.Incomplete {
			fmt.Fprintf(&b, "  INCOMPLETE  fee window from %s not covered; watermark held\n", s.Ingest.Window.From.Format("2006-01-02"))
		}
	}
	if s.Aggregate != nil {
		fmt.Fprintf(&b, "Summaries: %d products, %d monthly, %d daily rows\n",
			s.Aggregate.Products, s.Aggregate.Monthly, s.Aggregate.Daily)
	}
	if s.Snapshot != nil {
		fmt.Fprintf(&b, "Snapshots: %d products\n", s.Snapshot.Products)
	}
	if len(s.Export) > 0 {
		tables := make([]string, 0, len(s.Export))
		for t := range s.Export {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		b.WriteString("Export:")
		for _, t := range tables {
			fmt.Fprintf(&b, " %s=%d", t, s.Export[t])
		}
		b.WriteString("\n")
	}
	if s.Fatal != nil {
		fmt.Fprintf(&b, "Aborted: %v\n", s.Fatal)
	}
	fmt.Fprintf(&b, "Result: %s\n", map[bool]string{true: "OK", false: "FAILED"}[s.OK()])

	_, err := io.WriteString(w, b.String())
	return err
}
