// Package bigquery mirrors the derived fee tables into a BigQuery dataset for
// dashboards. Postgres stays the source of truth.
package bigquery

import (
	"bytes"
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/logger"
)

// tableLoader replaces the content of one table with NDJSON data.
type tableLoader interface {
	Load(ctx context.Context, table string, schema bigquery.Schema, data []byte) error
}

// Exporter writes the derived fee tables to BigQuery, truncating each table
// before the new rows land, so every export is a full replacement.
type Exporter struct {
	client *bigquery.Client
	loader tableLoader
}

// NewExporter creates an Exporter with its own client for the given dataset.
func NewExporter(ctx context.Context, projectID, datasetID string) (*Exporter, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewExporter: creating client: %w", err)
	}
	return &Exporter{
		client: client,
		loader: &jobLoader{dataset: client.Dataset(datasetID)},
	}, nil
}

// Close closes the BigQuery client connection.
func (e *Exporter) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// Export replaces the summary and snapshot tables with sum and snaps and
// returns the rows written per table. Tables are loaded one after the other;
// the first failure stops the export.
func (e *Exporter) Export(ctx context.Context, sum fees.Summaries, snaps []fees.LatestSnapshot) (map[string]int, error) {
	log := logger.FromContext(ctx)
	res := make(map[string]int)

	tables, err := buildTables(sum, snaps)
	if err != nil {
		return res, fmt.Errorf("Exporter.Export: %w", err)
	}
	for _, t := range tables {
		data, err := ndjson(t.Rows)
		if err != nil {
			return res, fmt.Errorf("Exporter.Export: encoding %s: %w", t.Name, err)
		}
		if err := e.loader.Load(ctx, t.Name, t.Schema, data); err != nil {
			return res, fmt.Errorf("Exporter.Export: loading %s: %w", t.Name, err)
		}
		res[t.Name] = len(t.Rows)
		log.Info().Str("table", t.Name).Int("rows", len(t.Rows)).Msg("Exported table")
	}
	return res, nil
}

type jobLoader struct {
	dataset *bigquery.Dataset
}

func (l *jobLoader) Load(ctx context.Context, table string, schema bigquery.Schema, data []byte) error {
	src := bigquery.NewReaderSource(bytes.NewReader(data))
	src.SourceFormat = bigquery.JSON
	src.Schema = schema

	loader := l.dataset.Table(table).LoaderFrom(src)
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.WriteDisposition = bigquery.WriteTruncate

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("starting load job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for load job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load job %s: %w", job.ID(), err)
	}
	return nil
}
