// Package fees ingests fee deductions from the fee API and derives the
// summary and snapshot tables used by the dashboards.
package fees

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// FeeType is the normalized category of a fee deduction.
type FeeType string

const (
	Management  FeeType = "MANAGEMENT"
	Performance FeeType = "PERFORMANCE"
	Custody     FeeType = "CUSTODY"
	Other       FeeType = "OTHER"
)

// TrackedTypes are the fee types that get their own columns in the snapshot.
var TrackedTypes = []FeeType{Management, Performance, Custody}

// TypeFromSource maps the fee API's type name onto a FeeType.
func TypeFromSource(s string) FeeType {
	switch s {
	case "ManagementFeeDeduction":
		return Management
	case "PerformanceFeeDeduction":
		return Performance
	case "CustodyFeeDeduction":
		return Custody
	default:
		return Other
	}
}

// RawFee is one item as delivered by the fee source, before validation.
// Numeric and date fields are kept as text so that malformed values can be
// counted and skipped rather than failing the whole fetch.
type RawFee struct {
	ID                  string
	ProductID           string
	ProductName         string
	ISIN                string
	Currency            string
	Type                string
	BeneficiaryID       string
	OutstandingQuantity string
	PositionChange      string
	BookingDate         string
	FeeName             string
}

// FeeRecord is a normalized, persisted fee transaction. NaturalKey is unique.
type FeeRecord struct {
	NaturalKey          string
	ProductID           string
	ProductName         string
	ISIN                string
	Currency            string
	FeeType             FeeType
	SourceType          string
	FeeName             string
	BeneficiaryID       string
	BookedAt            time.Time
	// BookingDay is the calendar day of BookedAt in the offset the source
	// reported it with, at midnight UTC.
	BookingDay          time.Time
	PositionChange      decimal.Decimal
	Amount              decimal.Decimal
	QuantityOutstanding decimal.NullDecimal
}

// BookingDate is the calendar day of the booking.
func (r FeeRecord) BookingDate() time.Time {
	if !r.BookingDay.IsZero() {
		return Day(r.BookingDay)
	}
	return CivilDay(r.BookedAt)
}

// CivilDay is the calendar day of t in t's own location, at midnight UTC.
func CivilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Month truncates t to the first day of its month, UTC.
func Month(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// Watermark is the persisted cursor of an incremental source.
type Watermark struct {
	Source       string
	LastSyncedAt time.Time
}

// Window is the closed time range requested from the fee source.
type Window struct {
	From time.Time
	To   time.Time
}

// MonthlySummary aggregates fees per calendar month, product and fee type.
type MonthlySummary struct {
	Month       time.Time
	ProductID   string
	FeeType     FeeType
	SumAmount   decimal.Decimal
	RecordCount int
}

// DailySummary aggregates fees per booking day, product and fee type.
type DailySummary struct {
	Day         time.Time
	ProductID   string
	FeeType     FeeType
	SumAmount   decimal.Decimal
	RecordCount int
}

// ProductTotal is the lifetime fee total of one product across all types.
type ProductTotal struct {
	ProductID        string
	ProductName      string
	ISIN             string
	Currency         string
	SumAmount        decimal.Decimal
	RecordCount      int
	FirstBookingDate time.Time
	LastBookingDate  time.Time
}

// Summaries is the complete derived summary state for one rebuild.
type Summaries struct {
	Monthly  []MonthlySummary
	Daily    []DailySummary
	Products []ProductTotal
}

// FeePoint is the date and amount of a single fee record.
type FeePoint struct {
	NaturalKey  string
	BookingDate time.Time
	Amount      decimal.Decimal
}

// LatestSnapshot is the latest known fee state of one product.
type LatestSnapshot struct {
	ProductID   string
	ProductName string
	ISIN        string
	Currency    string

	// Latest per tracked type; nil when the product never had such a fee.
	Management  *FeePoint
	Performance *FeePoint
	Custody     *FeePoint

	LatestType          FeeType
	Latest              FeePoint
	QuantityOutstanding decimal.NullDecimal
}

// UpsertStats counts what a batch commit changed.
type UpsertStats struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// ReplaceStats counts what an atomic table replace changed.
type ReplaceStats struct {
	Upserted int
	Deleted  int
}

// Add accumulates other into s.
func (s ReplaceStats) Add(other ReplaceStats) ReplaceStats {
	return ReplaceStats{Upserted: s.Upserted + other.Upserted, Deleted: s.Deleted + other.Deleted}
}

// ErrIncomplete marks a fetch that stopped before reaching the window start.
// The items returned alongside it are valid but the window is not covered.
var ErrIncomplete = errors.New("fetch incomplete")

// SyncState is the state of the last ingestion of a source.
type SyncState string

const (
	SyncRunning SyncState = "running"
	SyncSuccess SyncState = "success"
	SyncError   SyncState = "error"
)

// RunMode is "full" for a full resync and "incremental" otherwise.
type RunMode string

const (
	ModeIncremental RunMode = "incremental"
	ModeFull        RunMode = "full"
)

// SyncStatus records how the last ingestion of a source went. A failed run
// keeps the last-seen fields of the previous successful one.
type SyncStatus struct {
	Source              string
	Status              SyncState
	LastError           string
	LastRunMode         RunMode
	LastDuration        time.Duration
	LastRecordCount     int
	LastSeenFeeID       string
	LastSeenBookingDate time.Time
	LastFullSync        time.Time
	LastSuccessAt       time.Time
	StartedAt           time.Time
	UpdatedAt           time.Time
}

// Source fetches fee deductions booked within a window.
type Source interface {
	FetchFees(ctx context.Context, w Window) ([]RawFee, error)
}

// RecordStore is the raw-records side of the fee store.
type RecordStore interface {
	// GetWatermark returns the cursor of source; ok is false when none exists.
	GetWatermark(ctx context.Context, source string) (wm Watermark, ok bool, err error)

	// LookupProducts returns the stored product id for each known natural key.
	LookupProducts(ctx context.Context, keys []string) (map[string]string, error)

	// CommitBatch upserts records by natural key and advances the watermark of
	// source to syncedAt, all in one transaction. Product identity of an
	// existing key is never overwritten.
	CommitBatch(ctx context.Context, source string, records []FeeRecord, syncedAt time.Time) (UpsertStats, error)

	// ListRecords returns every stored fee record.
	ListRecords(ctx context.Context) ([]FeeRecord, error)

	StatusStore
}

// StatusStore persists the sync status of each source.
type StatusStore interface {
	// GetSyncStatus returns the status of source; ok is false when the source
	// never ran.
	GetSyncStatus(ctx context.Context, source string) (st SyncStatus, ok bool, err error)

	// SaveSyncStatus upserts st by source.
	SaveSyncStatus(ctx context.Context, st SyncStatus) error
}

// SummaryStore persists the summary tables.
type SummaryStore interface {
	ListRecords(ctx context.Context) ([]FeeRecord, error)

	// ReplaceSummaries makes the three summary tables equal to s in a single
	// transaction: changed keys are upserted and vanished keys deleted.
	ReplaceSummaries(ctx context.Context, s Summaries) (ReplaceStats, error)
}

// SnapshotStore persists the latest-snapshot table.
type SnapshotStore interface {
	ListRecords(ctx context.Context) ([]FeeRecord, error)

	// ReplaceSnapshots makes the snapshot table contain exactly snaps, atomically.
	ReplaceSnapshots(ctx context.Context, snaps []LatestSnapshot) (ReplaceStats, error)
}

// Store is implemented by the fee store backends.
type Store interface {
	RecordStore
	SummaryStore
	SnapshotStore
}

// Equal reports whether r and o carry the same content. Decimals are compared
// by value, not representation.
func (r FeeRecord) Equal(o FeeRecord) bool {
	return r.NaturalKey == o.NaturalKey &&
		r.ProductID == o.ProductID &&
		r.ProductName == o.ProductName &&
		r.ISIN == o.ISIN &&
		r.Currency == o.Currency &&
		r.FeeType == o.FeeType &&
		r.SourceType == o.SourceType &&
		r.FeeName == o.FeeName &&
		r.BeneficiaryID == o.BeneficiaryID &&
		r.BookedAt.Equal(o.BookedAt) &&
		r.BookingDate().Equal(o.BookingDate()) &&
		r.PositionChange.Equal(o.PositionChange) &&
		r.Amount.Equal(o.Amount) &&
		nullDecimalEqual(r.QuantityOutstanding, o.QuantityOutstanding)
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
