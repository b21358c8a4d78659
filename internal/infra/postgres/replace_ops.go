package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dvloznov/finsync/internal/fees"
)

type column struct {
	name    string
	sqlType string
}

// tableSpec describes a derived table that is replaced wholesale.
type tableSpec struct {
	name    string
	columns []column
	key     []string
}

var (
	monthlyTable = tableSpec{
		name: "fee_monthly_summaries",
		columns: []column{
			{"month", "DATE"}, {"product_id", "TEXT"}, {"fee_type", "TEXT"},
			{"sum_amount", "NUMERIC"}, {"record_count", "INTEGER"},
		},
		key: []string{"month", "product_id", "fee_type"},
	}
	dailyTable = tableSpec{
		name: "fee_daily_summaries",
		columns: []column{
			{"day", "DATE"}, {"product_id", "TEXT"}, {"fee_type", "TEXT"},
			{"sum_amount", "NUMERIC"}, {"record_count", "INTEGER"},
		},
		key: []string{"day", "product_id", "fee_type"},
	}
	productTable = tableSpec{
		name: "fee_product_totals",
		columns: []column{
			{"product_id", "TEXT"}, {"product_name", "TEXT"}, {"isin", "TEXT"}, {"currency", "TEXT"},
			{"sum_amount", "NUMERIC"}, {"record_count", "INTEGER"},
			{"first_booking_date", "DATE"}, {"last_booking_date", "DATE"},
		},
		key: []string{"product_id"},
	}
	snapshotTable = tableSpec{
		name: "fee_latest_snapshot",
		columns: []column{
			{"product_id", "TEXT"}, {"product_name", "TEXT"}, {"isin", "TEXT"}, {"currency", "TEXT"},
			{"management_key", "TEXT"}, {"management_date", "DATE"}, {"management_amount", "NUMERIC"},
			{"performance_key", "TEXT"}, {"performance_date", "DATE"}, {"performance_amount", "NUMERIC"},
			{"custody_key", "TEXT"}, {"custody_date", "DATE"}, {"custody_amount", "NUMERIC"},
			{"latest_type", "TEXT"}, {"latest_key", "TEXT"}, {"latest_date", "DATE"}, {"latest_amount", "NUMERIC"},
			{"quantity_outstanding", "NUMERIC"},
		},
		key: []string{"product_id"},
	}
)

func (t tableSpec) stageName() string { return t.name + "_stage" }

func (t tableSpec) columnNames() []string {
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.name
	}
	return out
}

func (t tableSpec) isKey(name string) bool {
	for _, k := range t.key {
		if k == name {
			return true
		}
	}
	return false
}

// createStageSQL stages NUMERIC columns as TEXT; they are cast on insert.
func (t tableSpec) createStageSQL() string {
	defs := make([]string, len(t.columns))
	for i, c := range t.columns {
		typ := c.sqlType
		if typ == "NUMERIC" {
			typ = "TEXT"
		}
		defs[i] = c.name + " " + typ
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP", t.stageName(), strings.Join(defs, ", "))
}

func (t tableSpec) upsertSQL() string {
	var selects, sets, current, incoming []string
	for _, c := range t.columns {
		expr := c.name
		if c.sqlType == "NUMERIC" {
			expr += "::numeric"
		}
		selects = append(selects, expr)
		if t.isKey(c.name) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
		current = append(current, "t."+c.name)
		incoming = append(incoming, "EXCLUDED."+c.name)
	}
	sets = append(sets, "updated_at = now()")

	return fmt.Sprintf(`INSERT INTO %s AS t (%s)
		SELECT %s FROM %s
		ON CONFLICT (%s) DO UPDATE SET %s
		WHERE (%s) IS DISTINCT FROM (%s)`,
		t.name, strings.Join(t.columnNames(), ", "),
		strings.Join(selects, ", "), t.stageName(),
		strings.Join(t.key, ", "), strings.Join(sets, ", "),
		strings.Join(current, ", "), strings.Join(incoming, ", "))
}

func (t tableSpec) deleteMissingSQL() string {
	conds := make([]string, len(t.key))
	for i, k := range t.key {
		conds[i] = fmt.Sprintf("s.%s = t.%s", k, k)
	}
	return fmt.Sprintf(`DELETE FROM %s AS t WHERE NOT EXISTS (SELECT 1 FROM %s AS s WHERE %s)`,
		t.name, t.stageName(), strings.Join(conds, " AND "))
}

// replaceTable makes spec's table hold exactly rows: changed rows are
// upserted, unchanged ones left alone and rows with a vanished key deleted.
func replaceTable(ctx context.Context, tx pgx.Tx, spec tableSpec, rows [][]any) (fees.ReplaceStats, error) {
	if _, err := tx.Exec(ctx, spec.createStageSQL()); err != nil {
		return fees.ReplaceStats{}, fmt.Errorf("%s: create stage: %w", spec.name, err)
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{spec.stageName()}, spec.columnNames(), pgx.CopyFromRows(rows)); err != nil {
			return fees.ReplaceStats{}, fmt.Errorf("%s: copy: %w", spec.name, err)
		}
	}

	up, err := tx.Exec(ctx, spec.upsertSQL())
	if err != nil {
		return fees.ReplaceStats{}, fmt.Errorf("%s: upsert: %w", spec.name, err)
	}
	del, err := tx.Exec(ctx, spec.deleteMissingSQL())
	if err != nil {
		return fees.ReplaceStats{}, fmt.Errorf("%s: delete missing: %w", spec.name, err)
	}
	return fees.ReplaceStats{Upserted: int(up.RowsAffected()), Deleted: int(del.RowsAffected())}, nil
}

// ReplaceSummaries swaps all three summary tables in one transaction.
func (s *FeeStore) ReplaceSummaries(ctx context.Context, sum fees.Summaries) (fees.ReplaceStats, error) {
	monthly := make([][]any, len(sum.Monthly))
	for i, m := range sum.Monthly {
		monthly[i] = []any{m.Month, m.ProductID, string(m.FeeType), m.SumAmount.String(), int32(m.RecordCount)}
	}
	daily := make([][]any, len(sum.Daily))
	for i, d := range sum.Daily {
		daily[i] = []any{d.Day, d.ProductID, string(d.FeeType), d.SumAmount.String(), int32(d.RecordCount)}
	}
	products := make([][]any, len(sum.Products))
	for i, p := range sum.Products {
		products[i] = []any{
			p.ProductID, p.ProductName, p.ISIN, p.Currency,
			p.SumAmount.String(), int32(p.RecordCount), p.FirstBookingDate, p.LastBookingDate,
		}
	}

	var total fees.ReplaceStats
	err := s.inTx(ctx, "replace_summaries", func(tx pgx.Tx) error {
		total = fees.ReplaceStats{}
		for _, step := range []struct {
			spec tableSpec
			rows [][]any
		}{
			{monthlyTable, monthly},
			{dailyTable, daily},
			{productTable, products},
		} {
			st, err := replaceTable(ctx, tx, step.spec, step.rows)
			if err != nil {
				return err
			}
			total = total.Add(st)
		}
		return nil
	})
	if err != nil {
		return fees.ReplaceStats{}, fmt.Errorf("FeeStore.ReplaceSummaries: %w", err)
	}
	return total, nil
}

// ReplaceSnapshots swaps the snapshot table in one transaction.
func (s *FeeStore) ReplaceSnapshots(ctx context.Context, snaps []fees.LatestSnapshot) (fees.ReplaceStats, error) {
	rows := make([][]any, len(snaps))
	for i, sn := range snaps {
		row := []any{sn.ProductID, sn.ProductName, sn.ISIN, sn.Currency}
		row = append(row, pointValues(sn.Management)...)
		row = append(row, pointValues(sn.Performance)...)
		row = append(row, pointValues(sn.Custody)...)
		row = append(row, string(sn.LatestType), sn.Latest.NaturalKey, sn.Latest.BookingDate, sn.Latest.Amount.String(),
			nullDecimalText(sn.QuantityOutstanding))
		rows[i] = row
	}

	var stats fees.ReplaceStats
	err := s.inTx(ctx, "replace_snapshots", func(tx pgx.Tx) error {
		var err error
		stats, err = replaceTable(ctx, tx, snapshotTable, rows)
		return err
	})
	if err != nil {
		return fees.ReplaceStats{}, fmt.Errorf("FeeStore.ReplaceSnapshots: %w", err)
	}
	return stats, nil
}

func pointValues(p *fees.FeePoint) []any {
	if p == nil {
		return []any{nil, nil, nil}
	}
	return []any{p.NaturalKey, p.BookingDate, p.Amount.String()}
}
