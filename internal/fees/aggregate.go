package fees

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finsync/internal/logger"
)

type periodKey struct {
	period    time.Time
	productID string
	feeType   FeeType
}

type bucket struct {
	sum   decimal.Decimal
	count int
}

// ComputeSummaries derives monthly, daily and per-product totals from the
// given records. The result depends only on the set of records, not on
// their order, and every slice is sorted by key.
func ComputeSummaries(records []FeeRecord) Summaries {
	monthly := make(map[periodKey]*bucket)
	daily := make(map[periodKey]*bucket)
	products := make(map[string]*ProductTotal)
	latestOf := make(map[string]FeeRecord)

	add := func(m map[periodKey]*bucket, k periodKey, amount decimal.Decimal) {
		b, ok := m[k]
		if !ok {
			b = &bucket{sum: decimal.Zero}
			m[k] = b
		}
		b.sum = b.sum.Add(amount)
		b.count++
	}

	for _, r := range records {
		day := r.BookingDate()
		add(monthly, periodKey{Month(day), r.ProductID, r.FeeType}, r.Amount)
		add(daily, periodKey{day, r.ProductID, r.FeeType}, r.Amount)

		pt, ok := products[r.ProductID]
		if !ok {
			pt = &ProductTotal{ProductID: r.ProductID, SumAmount: decimal.Zero, FirstBookingDate: day, LastBookingDate: day}
			products[r.ProductID] = pt
		}
		pt.SumAmount = pt.SumAmount.Add(r.Amount)
		pt.RecordCount++
		if day.Before(pt.FirstBookingDate) {
			pt.FirstBookingDate = day
		}
		if day.After(pt.LastBookingDate) {
			pt.LastBookingDate = day
		}
		if prev, ok := latestOf[r.ProductID]; !ok || later(r, prev) {
			latestOf[r.ProductID] = r
		}
	}

	var s Summaries
	for k, b := range monthly {
		s.Monthly = append(s.Monthly, MonthlySummary{Month: k.period, ProductID: k.productID, FeeType: k.feeType, SumAmount: b.sum, RecordCount: b.count})
	}
	for k, b := range daily {
		s.Daily = append(s.Daily, DailySummary{Day: k.period, ProductID: k.productID, FeeType: k.feeType, SumAmount: b.sum, RecordCount: b.count})
	}
	for id, pt := range products {
		// Descriptive columns follow the most recent record of the product.
		latest := latestOf[id]
		pt.ProductName = latest.ProductName
		pt.ISIN = latest.ISIN
		pt.Currency = latest.Currency
		s.Products = append(s.Products, *pt)
	}

	sort.Slice(s.Monthly, func(i, j int) bool {
		a, b := s.Monthly[i], s.Monthly[j]
		return lessKey(a.Month, a.ProductID, a.FeeType, b.Month, b.ProductID, b.FeeType)
	})
	sort.Slice(s.Daily, func(i, j int) bool {
		a, b := s.Daily[i], s.Daily[j]
		return lessKey(a.Day, a.ProductID, a.FeeType, b.Day, b.ProductID, b.FeeType)
	})
	sort.Slice(s.Products, func(i, j int) bool {
		return s.Products[i].ProductID < s.Products[j].ProductID
	})
	return s
}

func lessKey(pa time.Time, ida string, ta FeeType, pb time.Time, idb string, tb FeeType) bool {
	if !pa.Equal(pb) {
		return pa.Before(pb)
	}
	if ida != idb {
		return ida < idb
	}
	return ta < tb
}

// later orders records by booking date, then by natural key.
func later(a, b FeeRecord) bool {
	da, db := a.BookingDate(), b.BookingDate()
	if !da.Equal(db) {
		return da.After(db)
	}
	return a.NaturalKey > b.NaturalKey
}

// AggregateResult describes one summary rebuild.
type AggregateResult struct {
	Records  int
	Monthly  int
	Daily    int
	Products int
	Changes  ReplaceStats
}

// Aggregator rebuilds the summary tables from the raw records.
type Aggregator struct {
	store SummaryStore
}

func NewAggregator(store SummaryStore) *Aggregator {
	return &Aggregator{store: store}
}

// Rebuild recomputes all summaries from every stored record and replaces the
// summary tables atomically. Running it again without new records changes nothing.
func (a *Aggregator) Rebuild(ctx context.Context) (AggregateResult, error) {
	log := logger.FromContext(ctx)

	records, err := a.store.ListRecords(ctx)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("Aggregator.Rebuild: list records: %w", err)
	}

	s := ComputeSummaries(records)
	changes, err := a.store.ReplaceSummaries(ctx, s)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("Aggregator.Rebuild: replace summaries: %w", err)
	}

	res := AggregateResult{
		Records:  len(records),
		Monthly:  len(s.Monthly),
		Daily:    len(s.Daily),
		Products: len(s.Products),
		Changes:  changes,
	}
	log.Info().
		Int("records", res.Records).
		Int("monthly", res.Monthly).
		Int("daily", res.Daily).
		Int("products", res.Products).
		Int("upserted", changes.Upserted).
		Int("deleted", changes.Deleted).
		Msg("Summaries rebuilt")
	return res, nil
}
