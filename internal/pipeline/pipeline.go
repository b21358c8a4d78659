// Package pipeline runs the sync phases in order and produces the run summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/logger"
	"github.com/dvloznov/finsync/internal/statements"
	"github.com/dvloznov/finsync/internal/transfer"
)

// PhaseName identifies a phase of the run.
type PhaseName string

const (
	PhaseFileSync  PhaseName = "file-sync"
	PhaseFeeIngest PhaseName = "fee-ingest"
	PhaseAggregate PhaseName = "aggregate"
	PhaseSnapshot  PhaseName = "snapshot"
	PhaseExport    PhaseName = "export"
)

// PhaseStatus is the outcome of one phase.
type PhaseStatus string

const (
	StatusSucceeded PhaseStatus = "succeeded"
	// StatusPartial means the phase finished but some items failed.
	StatusPartial PhaseStatus = "partial"
	StatusFailed  PhaseStatus = "failed"
	StatusSkipped PhaseStatus = "skipped"
)

// Phase is one step of a run.
type Phase interface {
	Name() PhaseName
	Execute(ctx context.Context, state *RunState) error
}

// RunState holds the shared state across all phases of a run.
type RunState struct {
	RunID     string
	StartedAt time.Time

	Selection *statements.SelectionResult
	Transfer  *transfer.Result
	Ingest    *fees.IngestResult
	Aggregate *fees.AggregateResult
	Snapshot  *fees.SnapshotResult
	Export    map[string]int
}

// PartialError is returned by a phase that completed with per-item failures.
type PartialError struct {
	Failed []string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d items failed: %v", len(e.Failed), e.Failed)
}

// Options configures a Runner.
type Options struct {
	// FailOnPartial makes a phase with per-item failures fail the run.
	FailOnPartial bool
	// Fatal reports whether err must abort the run. Nil aborts on context
	// cancellation only.
	Fatal func(err error) bool
	Now   func() time.Time
}

// Runner executes phases sequentially. A failed phase is recorded and the
// next phase still runs; a fatal error skips every remaining phase.
type Runner struct {
	phases []Phase
	opts   Options
}

// NewRunner creates a runner for the given phases.
func NewRunner(opts Options, phases ...Phase) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{phases: phases, opts: opts}
}

func (r *Runner) isFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return r.opts.Fatal != nil && r.opts.Fatal(err)
}

// Run executes every phase and always returns a summary, also when the run failed.
func (r *Runner) Run(ctx context.Context) RunSummary {
	state := &RunState{RunID: uuid.NewString(), StartedAt: r.opts.Now().UTC()}
	log := logger.FromContext(ctx).With().Str("run_id", state.RunID).Logger()
	ctx = logger.WithContext(ctx, log)

	summary := RunSummary{RunID: state.RunID, StartedAt: state.StartedAt, FailOnPartial: r.opts.FailOnPartial}
	log.Info().Int("phases", len(r.phases)).Msg("Sync run started")

	for _, phase := range r.phases {
		res := PhaseResult{Name: phase.Name()}
		if summary.Fatal == nil && ctx.Err() != nil {
			summary.Fatal = ctx.Err()
			log.Warn().Err(ctx.Err()).Msg("Run interrupted")
		}
		if summary.Fatal != nil {
			res.Status = StatusSkipped
			summary.Phases = append(summary.Phases, res)
			continue
		}

		plog := log.With().Str("phase", string(phase.Name())).Logger()
		plog.Info().Msg("Phase started")

		start := r.opts.Now()
		err := phase.Execute(logger.WithContext(ctx, plog), state)
		res.Duration = r.opts.Now().Sub(start)
		res.Err = err

		var partial *PartialError
		switch {
		case err == nil:
			res.Status = StatusSucceeded
			plog.Info().Dur("duration", res.Duration).Msg("Phase succeeded")
		case errors.As(err, &partial):
			res.Status = StatusPartial
			plog.Warn().Err(err).Dur("duration", res.Duration).Msg("Phase finished with failed items")
		default:
			res.Status = StatusFailed
			if r.isFatal(err) {
				summary.Fatal = err
				plog.Error().Err(err).Msg("Fatal error, aborting run")
			} else {
				plog.Error().Err(err).Dur("duration", res.Duration).Msg("Phase failed")
			}
		}
		summary.Phases = append(summary.Phases, res)
	}

	summary.FinishedAt = r.opts.Now().UTC()
	summary.fill(state)

	ev := log.Info()
	if !summary.OK() {
		ev = log.Error()
	}
	ev.Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Bool("ok", summary.OK()).
		Int("exit_code", summary.ExitCode()).
		Msg("Sync run finished")
	return summary
}
