package bigquery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finsync/internal/fees"
)

// MonthlyRow is one row of fee_monthly_summaries.
type MonthlyRow struct {
	Month       civil.Date `bigquery:"month"`
	ProductID   string     `bigquery:"product_id"`
	FeeType     string     `bigquery:"fee_type"`
	SumAmount   *big.Rat   `bigquery:"sum_amount"`
	RecordCount int64      `bigquery:"record_count"`
}

// DailyRow is one row of fee_daily_summaries.
type DailyRow struct {
	Day         civil.Date `bigquery:"day"`
	ProductID   string     `bigquery:"product_id"`
	FeeType     string     `bigquery:"fee_type"`
	SumAmount   *big.Rat   `bigquery:"sum_amount"`
	RecordCount int64      `bigquery:"record_count"`
}

// ProductRow is one row of fee_product_totals.
type ProductRow struct {
	ProductID        string              `bigquery:"product_id"`
	ProductName      bigquery.NullString `bigquery:"product_name"`
	ISIN             bigquery.NullString `bigquery:"isin"`
	Currency         bigquery.NullString `bigquery:"currency"`
	SumAmount        *big.Rat            `bigquery:"sum_amount"`
	RecordCount      int64               `bigquery:"record_count"`
	FirstBookingDate civil.Date          `bigquery:"first_booking_date"`
	LastBookingDate  civil.Date          `bigquery:"last_booking_date"`
}

// SnapshotRow is one row of fee_latest_snapshot.
type SnapshotRow struct {
	ProductID   string              `bigquery:"product_id"`
	ProductName bigquery.NullString `bigquery:"product_name"`
	ISIN        bigquery.NullString `bigquery:"isin"`
	Currency    bigquery.NullString `bigquery:"currency"`

	ManagementDate    bigquery.NullDate `bigquery:"management_date"`
	ManagementAmount  *big.Rat          `bigquery:"management_amount,nullable"`
	PerformanceDate   bigquery.NullDate `bigquery:"performance_date"`
	PerformanceAmount *big.Rat          `bigquery:"performance_amount,nullable"`
	CustodyDate       bigquery.NullDate `bigquery:"custody_date"`
	CustodyAmount     *big.Rat          `bigquery:"custody_amount,nullable"`

	LatestType          string     `bigquery:"latest_type"`
	LatestDate          civil.Date `bigquery:"latest_date"`
	LatestAmount        *big.Rat   `bigquery:"latest_amount"`
	QuantityOutstanding *big.Rat   `bigquery:"quantity_outstanding,nullable"`
}

var (
	_ bigquery.ValueSaver = (*MonthlyRow)(nil)
	_ bigquery.ValueSaver = (*DailyRow)(nil)
	_ bigquery.ValueSaver = (*ProductRow)(nil)
	_ bigquery.ValueSaver = (*SnapshotRow)(nil)
)

// Save renders the row for the load job. Unset nullable columns are left out.
func (r *MonthlyRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"month":        r.Month.String(),
		"product_id":   r.ProductID,
		"fee_type":     r.FeeType,
		"sum_amount":   bigquery.BigNumericString(r.SumAmount),
		"record_count": r.RecordCount,
	}, "", nil
}

func (r *DailyRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"day":          r.Day.String(),
		"product_id":   r.ProductID,
		"fee_type":     r.FeeType,
		"sum_amount":   bigquery.BigNumericString(r.SumAmount),
		"record_count": r.RecordCount,
	}, "", nil
}

func (r *ProductRow) Save() (map[string]bigquery.Value, string, error) {
	row := map[string]bigquery.Value{
		"product_id":         r.ProductID,
		"sum_amount":         bigquery.BigNumericString(r.SumAmount),
		"record_count":       r.RecordCount,
		"first_booking_date": r.FirstBookingDate.String(),
		"last_booking_date":  r.LastBookingDate.String(),
	}
	putString(row, "product_name", r.ProductName)
	putString(row, "isin", r.ISIN)
	putString(row, "currency", r.Currency)
	return row, "", nil
}

func (r *SnapshotRow) Save() (map[string]bigquery.Value, string, error) {
	row := map[string]bigquery.Value{
		"product_id":    r.ProductID,
		"latest_type":   r.LatestType,
		"latest_date":   r.LatestDate.String(),
		"latest_amount": bigquery.BigNumericString(r.LatestAmount),
	}
	putString(row, "product_name", r.ProductName)
	putString(row, "isin", r.ISIN)
	putString(row, "currency", r.Currency)
	putDate(row, "management_date", r.ManagementDate)
	putAmount(row, "management_amount", r.ManagementAmount)
	putDate(row, "performance_date", r.PerformanceDate)
	putAmount(row, "performance_amount", r.PerformanceAmount)
	putDate(row, "custody_date", r.CustodyDate)
	putAmount(row, "custody_amount", r.CustodyAmount)
	putAmount(row, "quantity_outstanding", r.QuantityOutstanding)
	return row, "", nil
}

func putString(row map[string]bigquery.Value, col string, v bigquery.NullString) {
	if v.Valid {
		row[col] = v.StringVal
	}
}

func putDate(row map[string]bigquery.Value, col string, v bigquery.NullDate) {
	if v.Valid {
		row[col] = v.Date.String()
	}
}

func putAmount(row map[string]bigquery.Value, col string, v *big.Rat) {
	if v != nil {
		row[col] = bigquery.BigNumericString(v)
	}
}

// inferSchema derives the table schema from the row struct tags. Amounts are
// inferred as NUMERIC, whose nine fractional digits cannot hold every fee, so
// they are widened to BIGNUMERIC.
func inferSchema(row any) (bigquery.Schema, error) {
	schema, err := bigquery.InferSchema(row)
	if err != nil {
		return nil, err
	}
	for _, f := range schema {
		if f.Type == bigquery.NumericFieldType {
			f.Type = bigquery.BigNumericFieldType
		}
	}
	return schema, nil
}

// exportTable is one derived table rendered for a load job.
type exportTable struct {
	Name   string
	Schema bigquery.Schema
	Rows   []bigquery.ValueSaver
}

func newTable(name string, row any) (exportTable, error) {
	schema, err := inferSchema(row)
	if err != nil {
		return exportTable{}, fmt.Errorf("inferring schema of %s: %w", name, err)
	}
	return exportTable{Name: name, Schema: schema}, nil
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func pointRat(p *fees.FeePoint) (bigquery.NullDate, *big.Rat) {
	if p == nil {
		return bigquery.NullDate{}, nil
	}
	return bigquery.NullDate{Date: civil.DateOf(p.BookingDate), Valid: true}, p.Amount.Rat()
}

func nullRat(d decimal.NullDecimal) *big.Rat {
	if !d.Valid {
		return nil
	}
	return d.Decimal.Rat()
}

// buildTables renders the derived state into the four exported tables.
func buildTables(sum fees.Summaries, snaps []fees.LatestSnapshot) ([]exportTable, error) {
	monthly, err := newTable("fee_monthly_summaries", MonthlyRow{})
	if err != nil {
		return nil, err
	}
	for _, m := range sum.Monthly {
		monthly.Rows = append(monthly.Rows, &MonthlyRow{
			Month:       civil.DateOf(m.Month),
			ProductID:   m.ProductID,
			FeeType:     string(m.FeeType),
			SumAmount:   m.SumAmount.Rat(),
			RecordCount: int64(m.RecordCount),
		})
	}

	daily, err := newTable("fee_daily_summaries", DailyRow{})
	if err != nil {
		return nil, err
	}
	for _, d := range sum.Daily {
		daily.Rows = append(daily.Rows, &DailyRow{
			Day:         civil.DateOf(d.Day),
			ProductID:   d.ProductID,
			FeeType:     string(d.FeeType),
			SumAmount:   d.SumAmount.Rat(),
			RecordCount: int64(d.RecordCount),
		})
	}

	products, err := newTable("fee_product_totals", ProductRow{})
	if err != nil {
		return nil, err
	}
	for _, p := range sum.Products {
		products.Rows = append(products.Rows, &ProductRow{
			ProductID:        p.ProductID,
			ProductName:      nullString(p.ProductName),
			ISIN:             nullString(p.ISIN),
			Currency:         nullString(p.Currency),
			SumAmount:        p.SumAmount.Rat(),
			RecordCount:      int64(p.RecordCount),
			FirstBookingDate: civil.DateOf(p.FirstBookingDate),
			LastBookingDate:  civil.DateOf(p.LastBookingDate),
		})
	}

	snapshots, err := newTable("fee_latest_snapshot", SnapshotRow{})
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		row := &SnapshotRow{
			ProductID:           s.ProductID,
			ProductName:         nullString(s.ProductName),
			ISIN:                nullString(s.ISIN),
			Currency:            nullString(s.Currency),
			LatestType:          string(s.LatestType),
			LatestDate:          civil.DateOf(s.Latest.BookingDate),
			LatestAmount:        s.Latest.Amount.Rat(),
			QuantityOutstanding: nullRat(s.QuantityOutstanding),
		}
		row.ManagementDate, row.ManagementAmount = pointRat(s.Management)
		row.PerformanceDate, row.PerformanceAmount = pointRat(s.Performance)
		row.CustodyDate, row.CustodyAmount = pointRat(s.Custody)
		snapshots.Rows = append(snapshots.Rows, row)
	}

	return []exportTable{monthly, daily, products, snapshots}, nil
}

// ndjson encodes rows as newline-delimited JSON, the format of the load job.
func ndjson(rows []bigquery.ValueSaver) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, r := range rows {
		values, _, err := r.Save()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if err := enc.Encode(values); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
