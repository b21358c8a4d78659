package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// StatusTables are the tables reported by TableCounts, in display order.
var StatusTables = []string{
	"fee_records",
	"fee_monthly_summaries",
	"fee_daily_summaries",
	"fee_product_totals",
	"fee_latest_snapshot",
}

// TableCount is the row count of one table.
type TableCount struct {
	Table string
	Rows  int64
}

// TableCounts returns the row count of every table in StatusTables.
func (s *FeeStore) TableCounts(ctx context.Context) ([]TableCount, error) {
	out := make([]TableCount, 0, len(StatusTables))
	for _, table := range StatusTables {
		var n int64
		q := fmt.Sprintf("SELECT count(*) FROM %s", pgx.Identifier{table}.Sanitize())
		if err := s.db.QueryRow(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("FeeStore.TableCounts: %s: %w", table, err)
		}
		out = append(out, TableCount{Table: table, Rows: n})
	}
	return out, nil
}

// LatestBookingDate returns the newest booking date in fee_records; ok is
// false when the table is empty.
func (s *FeeStore) LatestBookingDate(ctx context.Context) (t time.Time, ok bool, err error) {
	var d *time.Time
	if err := s.db.QueryRow(ctx, `SELECT max(booking_date) FROM fee_records`).Scan(&d); err != nil {
		return time.Time{}, false, fmt.Errorf("FeeStore.LatestBookingDate: %w", err)
	}
	if d == nil {
		return time.Time{}, false, nil
	}
	return d.UTC(), true, nil
}
