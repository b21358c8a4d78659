// Package inmemory provides a fee store kept in process memory, used by
// tests and dry runs.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/finsync/internal/fees"
)

// Store is an in-memory implementation of fees.Store.
// It is safe for concurrent use. Replacements swap whole tables under the
// write lock, so readers never observe a partial rebuild.
type Store struct {
	mu         sync.RWMutex
	records    map[string]fees.FeeRecord
	watermarks map[string]fees.Watermark
	statuses   map[string]fees.SyncStatus
	monthly    map[string]fees.MonthlySummary
	daily      map[string]fees.DailySummary
	products   map[string]fees.ProductTotal
	snapshots  map[string]fees.LatestSnapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records:    make(map[string]fees.FeeRecord),
		watermarks: make(map[string]fees.Watermark),
		statuses:   make(map[string]fees.SyncStatus),
		monthly:    make(map[string]fees.MonthlySummary),
		daily:      make(map[string]fees.DailySummary),
		products:   make(map[string]fees.ProductTotal),
		snapshots:  make(map[string]fees.LatestSnapshot),
	}
}

func (s *Store) GetWatermark(ctx context.Context, source string) (fees.Watermark, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wm, ok := s.watermarks[source]
	return wm, ok, nil
}

func (s *Store) GetSyncStatus(ctx context.Context, source string) (fees.SyncStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[source]
	return st, ok, nil
}

func (s *Store) SaveSyncStatus(ctx context.Context, st fees.SyncStatus) error {
	if st.Source == "" {
		return fmt.Errorf("source is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[st.Source] = st
	return nil
}

func (s *Store) LookupProducts(ctx context.Context, keys []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for _, k := range keys {
		if r, ok := s.records[k]; ok {
			out[k] = r.ProductID
		}
	}
	return out, nil
}

func (s *Store) CommitBatch(ctx context.Context, source string, records []fees.FeeRecord, syncedAt time.Time) (fees.UpsertStats, error) {
	for _, r := range records {
		if r.NaturalKey == "" {
			return fees.UpsertStats{}, fmt.Errorf("natural key is required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stats fees.UpsertStats
	for _, r := range records {
		prev, exists := s.records[r.NaturalKey]
		switch {
		case !exists:
			stats.Inserted++
		default:
			r.ProductID = prev.ProductID
			if prev.Equal(r) {
				stats.Unchanged++
				continue
			}
			stats.Updated++
		}
		s.records[r.NaturalKey] = r
	}
	s.watermarks[source] = fees.Watermark{Source: source, LastSyncedAt: syncedAt.UTC()}
	return stats, nil
}

func (s *Store) ListRecords(ctx context.Context) ([]fees.FeeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]fees.FeeRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	return out, nil
}

// DeleteProduct removes every record of a product. It exists for tests and
// manual corrections; ingestion never deletes.
func (s *Store) DeleteProduct(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.records {
		if r.ProductID == productID {
			delete(s.records, k)
			n++
		}
	}
	return n
}

func (s *Store) ReplaceSummaries(ctx context.Context, sum fees.Summaries) (fees.ReplaceStats, error) {
	monthly := make(map[string]fees.MonthlySummary, len(sum.Monthly))
	for _, m := range sum.Monthly {
		monthly[periodKey(m.Month, m.ProductID, m.FeeType)] = m
	}
	daily := make(map[string]fees.DailySummary, len(sum.Daily))
	for _, d := range sum.Daily {
		daily[periodKey(d.Day, d.ProductID, d.FeeType)] = d
	}
	products := make(map[string]fees.ProductTotal, len(sum.Products))
	for _, p := range sum.Products {
		products[p.ProductID] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stats fees.ReplaceStats
	stats = stats.Add(diff(s.monthly, monthly, monthlyEqual))
	stats = stats.Add(diff(s.daily, daily, dailyEqual))
	stats = stats.Add(diff(s.products, products, productEqual))

	s.monthly, s.daily, s.products = monthly, daily, products
	return stats, nil
}

func (s *Store) ReplaceSnapshots(ctx context.Context, snaps []fees.LatestSnapshot) (fees.ReplaceStats, error) {
	next := make(map[string]fees.LatestSnapshot, len(snaps))
	for _, sn := range snaps {
		next[sn.ProductID] = sn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := diff(s.snapshots, next, snapshotEqual)
	s.snapshots = next
	return stats, nil
}

// Monthly returns the monthly summaries sorted by key.
func (s *Store) Monthly() []fees.MonthlySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.monthly)
}

// Daily returns the daily summaries sorted by key.
func (s *Store) Daily() []fees.DailySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.daily)
}

// Products returns the product totals sorted by product id.
func (s *Store) Products() []fees.ProductTotal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.products)
}

// Snapshots returns the snapshot rows sorted by product id.
func (s *Store) Snapshots() []fees.LatestSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.snapshots)
}

func periodKey(period time.Time, productID string, t fees.FeeType) string {
	return strings.Join([]string{period.UTC().Format("2006-01-02"), productID, string(t)}, "|")
}

// diff counts keys of next that are new or changed, and keys of prev that vanished.
func diff[V any](prev, next map[string]V, equal func(a, b V) bool) fees.ReplaceStats {
	var stats fees.ReplaceStats
	for k, v := range next {
		if old, ok := prev[k]; !ok || !equal(old, v) {
			stats.Upserted++
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			stats.Deleted++
		}
	}
	return stats
}

func sortedValues[V any](m map[string]V) []V {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]V, 0, len(m))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func monthlyEqual(a, b fees.MonthlySummary) bool {
	return a.SumAmount.Equal(b.SumAmount) && a.RecordCount == b.RecordCount
}

func dailyEqual(a, b fees.DailySummary) bool {
	return a.SumAmount.Equal(b.SumAmount) && a.RecordCount == b.RecordCount
}

func productEqual(a, b fees.ProductTotal) bool {
	return a.ProductName == b.ProductName && a.ISIN == b.ISIN && a.Currency == b.Currency &&
		a.SumAmount.Equal(b.SumAmount) && a.RecordCount == b.RecordCount &&
		a.FirstBookingDate.Equal(b.FirstBookingDate) && a.LastBookingDate.Equal(b.LastBookingDate)
}

func snapshotEqual(a, b fees.LatestSnapshot) bool {
	return a.ProductName == b.ProductName && a.ISIN == b.ISIN && a.Currency == b.Currency &&
		pointPtrEqual(a.Management, b.Management) &&
		pointPtrEqual(a.Performance, b.Performance) &&
		pointPtrEqual(a.Custody, b.Custody) &&
		a.LatestType == b.LatestType && pointEqual(a.Latest, b.Latest) &&
		a.QuantityOutstanding.Valid == b.QuantityOutstanding.Valid &&
		a.QuantityOutstanding.Decimal.Equal(b.QuantityOutstanding.Decimal)
}

func pointPtrEqual(a, b *fees.FeePoint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return pointEqual(*a, *b)
}

func pointEqual(a, b fees.FeePoint) bool {
	return a.NaturalKey == b.NaturalKey && a.BookingDate.Equal(b.BookingDate) && a.Amount.Equal(b.Amount)
}

// Ensure Store implements the fee store interface.
var _ fees.Store = (*Store)(nil)
