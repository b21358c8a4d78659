package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/logger"
	"github.com/dvloznov/finsync/internal/statements"
	"github.com/dvloznov/finsync/internal/transfer"
)

// Transferer moves a selection into the mirror.
type Transferer interface {
	Run(ctx context.Context, sel statements.SelectionResult) (transfer.Result, error)
}

// Exporter publishes the derived tables to the warehouse.
type Exporter interface {
	Export(ctx context.Context, sum fees.Summaries, snaps []fees.LatestSnapshot) (map[string]int, error)
}

// RecordLister reads every stored fee record.
type RecordLister interface {
	ListRecords(ctx context.Context) ([]fees.FeeRecord, error)
}

// FileSyncPhase lists the remote files, selects the current statements and
// mirrors them.
type FileSyncPhase struct {
	Catalog  statements.Catalog
	Parser   *statements.Parser
	Transfer Transferer
}

func (p *FileSyncPhase) Name() PhaseName { return PhaseFileSync }

func (p *FileSyncPhase) Execute(ctx context.Context, state *RunState) error {
	log := logger.FromContext(ctx)

	names, err := p.Catalog.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("FileSyncPhase: list remote files: %w", err)
	}

	sel := statements.Select(p.Parser, names)
	state.Selection = &sel
	for _, rej := range sel.Rejected {
		log.Debug().Str("file", rej.RawName).Str("reason", string(rej.Reason)).Str("detail", rej.Detail).Msg("File not selected")
	}
	log.Info().Int("listed", len(names)).Int("selected", len(sel.Selected)).Int("rejected", len(sel.Rejected)).Msg("Files selected")

	res, err := p.Transfer.Run(ctx, sel)
	state.Transfer = &res
	if err != nil {
		return fmt.Errorf("FileSyncPhase: %w", err)
	}
	if res.ClearErr != nil {
		return fmt.Errorf("FileSyncPhase: clear mirror: %w", res.ClearErr)
	}
	if len(res.Failed) > 0 {
		return &PartialError{Failed: res.FailedKeys()}
	}
	return nil
}

// FeeIngestPhase pulls new fee deductions into the store.
type FeeIngestPhase struct {
	Ingestor *fees.Ingestor
}

func (p *FeeIngestPhase) Name() PhaseName { return PhaseFeeIngest }

func (p *FeeIngestPhase) Execute(ctx context.Context, state *RunState) error {
	res, err := p.Ingestor.Ingest(ctx)
	if err != nil {
		return err
	}
	state.Ingest = &res
	if res.Incomplete {
		return &PartialError{Failed: []string{"fee window from " + res.Window.From.Format("2006-01-02")}}
	}
	return nil
}

// AggregatePhase rebuilds the summary tables.
type AggregatePhase struct {
	Aggregator *fees.Aggregator
}

func (p *AggregatePhase) Name() PhaseName { return PhaseAggregate }

func (p *AggregatePhase) Execute(ctx context.Context, state *RunState) error {
	res, err := p.Aggregator.Rebuild(ctx)
	if err != nil {
		return err
	}
	state.Aggregate = &res
	return nil
}

// SnapshotPhase rebuilds the latest-snapshot table.
type SnapshotPhase struct {
	Builder *fees.SnapshotBuilder
}

func (p *SnapshotPhase) Name() PhaseName { return PhaseSnapshot }

func (p *SnapshotPhase) Execute(ctx context.Context, state *RunState) error {
	res, err := p.Builder.Rebuild(ctx)
	if err != nil {
		return err
	}
	state.Snapshot = &res
	return nil
}

// ExportPhase recomputes the derived state from the stored records and
// publishes it.
type ExportPhase struct {
	Records  RecordLister
	Exporter Exporter
}

func (p *ExportPhase) Name() PhaseName { return PhaseExport }

func (p *ExportPhase) Execute(ctx context.Context, state *RunState) error {
	records, err := p.Records.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("ExportPhase: list records: %w", err)
	}
	rows, err := p.Exporter.Export(ctx, fees.ComputeSummaries(records), fees.ComputeSnapshots(records))
	state.Export = rows
	if err != nil {
		return fmt.Errorf("ExportPhase: %w", err)
	}
	return nil
}
