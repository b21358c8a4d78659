package fees

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finsync/internal/logger"
)

// DefaultSourceName identifies the fee API watermark.
const DefaultSourceName = "fee_deductions"

// DefaultOverlap is how far before the watermark each incremental fetch starts.
const DefaultOverlap = 30 * 24 * time.Hour

// maxStatusError bounds the error text kept in the sync status.
const maxStatusError = 2000

// DefaultFullResyncFrom is the earliest booking date the fee API holds.
var DefaultFullResyncFrom = time.Date(2023, 2, 18, 0, 0, 0, 0, time.UTC)

// IngestorConfig configures an Ingestor.
type IngestorConfig struct {
	SourceName     string
	Overlap        time.Duration
	FullResync     bool
	FullResyncFrom time.Time
	Now            func() time.Time
}

// IngestResult describes one ingestion batch.
type IngestResult struct {
	Window             Window
	Fetched            int
	Inserted           int
	Updated            int
	Unchanged          int
	SkippedUnparsable  int
	SkippedOutOfWindow int
	DuplicateKeys      int
	ProductConflicts   int

	// Incomplete is set when the source stopped before the window start; the
	// fetched records are committed but the watermark is not advanced.
	Incomplete bool
	// LastSeen is the newest committed record; zero for an empty batch.
	LastSeen FeeRecord
}

// Committed is the number of records written or confirmed by the batch.
func (r IngestResult) Committed() int {
	return r.Inserted + r.Updated + r.Unchanged
}

// Ingestor pulls fee deductions incrementally and upserts them by natural key.
type Ingestor struct {
	source Source
	store  RecordStore
	cfg    IngestorConfig
}

// NewIngestor creates an Ingestor, filling zero config fields with defaults.
func NewIngestor(source Source, store RecordStore, cfg IngestorConfig) *Ingestor {
	if cfg.SourceName == "" {
		cfg.SourceName = DefaultSourceName
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.FullResyncFrom.IsZero() {
		cfg.FullResyncFrom = DefaultFullResyncFrom
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingestor{source: source, store: store, cfg: cfg}
}

// Window computes the fetch window for the given watermark.
func (in *Ingestor) Window(wm Watermark, hasWatermark bool, now time.Time) Window {
	now = now.UTC()
	switch {
	case in.cfg.FullResync:
		return Window{From: in.cfg.FullResyncFrom.UTC(), To: now}
	case hasWatermark:
		return Window{From: wm.LastSyncedAt.UTC().Add(-in.cfg.Overlap), To: now}
	default:
		return Window{From: now.Add(-in.cfg.Overlap), To: now}
	}
}

// Mode reports whether the ingestor runs a full resync.
func (in *Ingestor) Mode() RunMode {
	if in.cfg.FullResync {
		return ModeFull
	}
	return ModeIncremental
}

// Ingest fetches the current window, upserts every valid item and advances
// the watermark to the end of the window. The watermark only moves when the
// whole batch commits. Errors from the source are returned wrapped, so
// callers can test for feesource.ErrUnauthorized.
//
// The sync status of the source is marked running before the fetch and
// success or error afterwards. Status writes never fail the ingestion.
func (in *Ingestor) Ingest(ctx context.Context) (IngestResult, error) {
	log := logger.FromContext(ctx).With().Str("source", in.cfg.SourceName).Logger()

	start := in.cfg.Now()
	st := in.markRunning(ctx, log, start)

	res, err := in.ingest(ctx, log)

	in.markFinished(context.WithoutCancel(ctx), log, st, res, err, in.cfg.Now().Sub(start))
	return res, err
}

func (in *Ingestor) markRunning(ctx context.Context, log zerolog.Logger, start time.Time) SyncStatus {
	st, _, err := in.store.GetSyncStatus(ctx, in.cfg.SourceName)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read sync status")
	}
	st.Source = in.cfg.SourceName
	st.Status = SyncRunning
	st.LastRunMode = in.Mode()
	st.StartedAt = start.UTC()
	st.UpdatedAt = start.UTC()
	if err := in.store.SaveSyncStatus(ctx, st); err != nil {
		log.Warn().Err(err).Msg("Failed to mark sync running")
	}
	return st
}

func (in *Ingestor) markFinished(ctx context.Context, log zerolog.Logger, st SyncStatus, res IngestResult, runErr error, took time.Duration) {
	now := in.cfg.Now().UTC()
	st.LastDuration = took
	st.UpdatedAt = now

	if res.LastSeen.NaturalKey != "" {
		st.LastSeenFeeID = res.LastSeen.NaturalKey
		st.LastSeenBookingDate = res.LastSeen.BookingDate()
	}

	switch {
	case runErr != nil:
		st.Status = SyncError
		st.LastError = truncate(runErr.Error(), maxStatusError)
	case res.Incomplete:
		st.Status = SyncError
		st.LastRecordCount = res.Committed()
		st.LastError = fmt.Sprintf("%s: window from %s not covered, watermark held", ErrIncomplete, res.Window.From.Format(time.RFC3339))
	default:
		st.Status = SyncSuccess
		st.LastError = ""
		st.LastRecordCount = res.Committed()
		st.LastSuccessAt = now
		if st.LastRunMode == ModeFull {
			st.LastFullSync = now
		}
	}

	if err := in.store.SaveSyncStatus(ctx, st); err != nil {
		log.Warn().Err(err).Str("status", string(st.Status)).Msg("Failed to save sync status")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (in *Ingestor) ingest(ctx context.Context, log zerolog.Logger) (IngestResult, error) {
	wm, ok, err := in.store.GetWatermark(ctx, in.cfg.SourceName)
	if err != nil {
		return IngestResult{}, fmt.Errorf("Ingestor.Ingest: get watermark: %w", err)
	}

	window := in.Window(wm, ok, in.cfg.Now())
	res := IngestResult{Window: window}
	log.Info().
		Time("from", window.From).
		Time("to", window.To).
		Bool("full_resync", in.cfg.FullResync).
		Bool("has_watermark", ok).
		Msg("Fetching fees")

	raws, err := in.source.FetchFees(ctx, window)
	switch {
	case errors.Is(err, ErrIncomplete):
		res.Incomplete = true
		log.Warn().Err(err).Int("fetched", len(raws)).Msg("Fee fetch incomplete; watermark will not advance")
	case err != nil:
		return res, fmt.Errorf("Ingestor.Ingest: fetch: %w", err)
	}
	res.Fetched = len(raws)

	fromDay := Day(window.From)
	index := make(map[string]int, len(raws))
	var records []FeeRecord
	for _, raw := range raws {
		rec, err := Normalize(raw)
		if err != nil {
			res.SkippedUnparsable++
			log.Warn().Err(err).Str("fee_id", raw.ID).Str("product_id", raw.ProductID).Msg("Skipping fee item")
			continue
		}
		if rec.BookingDate().Before(fromDay) {
			res.SkippedOutOfWindow++
			continue
		}
		if i, seen := index[rec.NaturalKey]; seen {
			res.DuplicateKeys++
			records[i] = rec
			continue
		}
		index[rec.NaturalKey] = len(records)
		records = append(records, rec)
	}

	if len(records) > 0 {
		keys := make([]string, len(records))
		for i, r := range records {
			keys[i] = r.NaturalKey
		}
		stored, err := in.store.LookupProducts(ctx, keys)
		if err != nil {
			return res, fmt.Errorf("Ingestor.Ingest: lookup products: %w", err)
		}
		for i := range records {
			prev, known := stored[records[i].NaturalKey]
			if known && prev != records[i].ProductID {
				res.ProductConflicts++
				log.Warn().
					Str("natural_key", records[i].NaturalKey).
					Str("product_id", prev).
					Str("incoming_product_id", records[i].ProductID).
					Msg("Product changed for existing fee; keeping stored product")
				records[i].ProductID = prev
			}
		}
	}

	syncedAt := window.To
	if res.Incomplete {
		// Keep the cursor where it was; without one, park it at the window
		// start so the next run fetches this range again.
		syncedAt = window.From
		if ok {
			syncedAt = wm.LastSyncedAt
		}
	}

	stats, err := in.store.CommitBatch(ctx, in.cfg.SourceName, records, syncedAt)
	if err != nil {
		return res, fmt.Errorf("Ingestor.Ingest: commit batch: %w", err)
	}
	res.Inserted = stats.Inserted
	res.Updated = stats.Updated
	res.Unchanged = stats.Unchanged
	res.LastSeen = newest(records)

	log.Info().
		Int("fetched", res.Fetched).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("skipped_unparsable", res.SkippedUnparsable).
		Int("duplicates", res.DuplicateKeys).
		Int("conflicts", res.ProductConflicts).
		Bool("incomplete", res.Incomplete).
		Time("synced_at", syncedAt).
		Msg("Fee batch committed")
	return res, nil
}

// newest returns the record with the latest booking time; the first one wins
// a tie.
func newest(records []FeeRecord) FeeRecord {
	var out FeeRecord
	for i, r := range records {
		if i == 0 || r.BookedAt.After(out.BookedAt) {
			out = r
		}
	}
	return out
}
