package bigquery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finsync/internal/fees"
)

// MockLoader is a mock implementation of tableLoader.
type MockLoader struct {
	LoadFunc func(ctx context.Context, table string, schema bigquery.Schema, data []byte) error
	Loaded   map[string][]map[string]any
}

func (m *MockLoader) Load(ctx context.Context, table string, schema bigquery.Schema, data []byte) error {
	if m.LoadFunc != nil {
		if err := m.LoadFunc(ctx, table, schema, data); err != nil {
			return err
		}
	}
	if m.Loaded == nil {
		m.Loaded = make(map[string][]map[string]any)
	}
	var rows []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var r map[string]any
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return err
		}
		rows = append(rows, r)
	}
	m.Loaded[table] = rows
	return nil
}

func sampleState() (fees.Summaries, []fees.LatestSnapshot) {
	day := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	records := []fees.FeeRecord{
		{NaturalKey: "a", ProductID: "p1", FeeType: fees.Management, BookedAt: day, Amount: decimal.RequireFromString("0.123456789012")},
		{NaturalKey: "b", ProductID: "p1", FeeType: fees.Custody, BookedAt: day.AddDate(0, 1, 0), Amount: decimal.NewFromInt(2)},
	}
	return fees.ComputeSummaries(records), fees.ComputeSnapshots(records)
}

func TestExporter_Export(t *testing.T) {
	loader := &MockLoader{}
	e := &Exporter{loader: loader}
	sum, snaps := sampleState()

	res, err := e.Export(context.Background(), sum, snaps)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"fee_monthly_summaries": 2,
		"fee_daily_summaries":   2,
		"fee_product_totals":    1,
		"fee_latest_snapshot":   1,
	}, res)

	monthly := loader.Loaded["fee_monthly_summaries"]
	require.Len(t, monthly, 2)
	assert.Equal(t, "2024-01-01", monthly[0]["month"])
	assert.True(t, decimal.RequireFromString("0.123456789012").Equal(decimal.RequireFromString(monthly[0]["sum_amount"].(string))),
		"sum_amount %v", monthly[0]["sum_amount"])

	snap := loader.Loaded["fee_latest_snapshot"][0]
	assert.Equal(t, "CUSTODY", snap["latest_type"])
	assert.Equal(t, "2024-01-05", snap["management_date"])
	assert.NotContains(t, snap, "performance_date")
	assert.NotContains(t, snap, "quantity_outstanding")
}

func TestExporter_StopsOnFirstFailure(t *testing.T) {
	boom := errors.New("quota exceeded")
	loader := &MockLoader{LoadFunc: func(ctx context.Context, table string, schema bigquery.Schema, data []byte) error {
		if table == "fee_daily_summaries" {
			return boom
		}
		return nil
	}}
	e := &Exporter{loader: loader}
	sum, snaps := sampleState()

	res, err := e.Export(context.Background(), sum, snaps)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, res, "fee_monthly_summaries")
	assert.NotContains(t, loader.Loaded, "fee_product_totals")
}

func TestBuildTables_SchemasCoverRows(t *testing.T) {
	sum, snaps := sampleState()
	tables, err := buildTables(sum, snaps)
	require.NoError(t, err)
	for _, table := range tables {
		fields := make(map[string]bool)
		for _, f := range table.Schema {
			fields[f.Name] = true
		}
		for _, row := range table.Rows {
			values, _, err := row.Save()
			require.NoError(t, err)
			for k := range values {
				assert.True(t, fields[k], "%s: column %s missing from schema", table.Name, k)
			}
		}
	}
}

func TestInferSchema_FromRowTags(t *testing.T) {
	schema, err := inferSchema(SnapshotRow{})
	require.NoError(t, err)

	byName := make(map[string]*bigquery.FieldSchema)
	for _, f := range schema {
		byName[f.Name] = f
	}

	tests := []struct {
		column   string
		typ      bigquery.FieldType
		required bool
	}{
		{"product_id", bigquery.StringFieldType, true},
		{"product_name", bigquery.StringFieldType, false},
		{"management_date", bigquery.DateFieldType, false},
		{"management_amount", bigquery.BigNumericFieldType, false},
		{"latest_date", bigquery.DateFieldType, true},
		{"latest_amount", bigquery.BigNumericFieldType, true},
		{"quantity_outstanding", bigquery.BigNumericFieldType, false},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			f, ok := byName[tt.column]
			require.True(t, ok)
			assert.Equal(t, tt.typ, f.Type)
			assert.Equal(t, tt.required, f.Required)
		})
	}

	monthly, err := inferSchema(MonthlyRow{})
	require.NoError(t, err)
	require.Len(t, monthly, 5)
	assert.Equal(t, "month", monthly[0].Name)
	assert.Equal(t, bigquery.IntegerFieldType, monthly[4].Type)
}
