package fees

import (
	"context"
	"fmt"
	"sort"

	"github.com/dvloznov/finsync/internal/logger"
)

// ComputeSnapshots returns one LatestSnapshot per distinct product in
// records, sorted by product id.
func ComputeSnapshots(records []FeeRecord) []LatestSnapshot {
	type state struct {
		latest  FeeRecord
		tracked map[FeeType]FeeRecord
	}
	byProduct := make(map[string]*state)

	for _, r := range records {
		st, ok := byProduct[r.ProductID]
		if !ok {
			st = &state{latest: r, tracked: make(map[FeeType]FeeRecord)}
			byProduct[r.ProductID] = st
		} else if later(r, st.latest) {
			st.latest = r
		}
		if r.FeeType == Other {
			continue
		}
		if prev, ok := st.tracked[r.FeeType]; !ok || later(r, prev) {
			st.tracked[r.FeeType] = r
		}
	}

	snaps := make([]LatestSnapshot, 0, len(byProduct))
	for id, st := range byProduct {
		snap := LatestSnapshot{
			ProductID:           id,
			ProductName:         st.latest.ProductName,
			ISIN:                st.latest.ISIN,
			Currency:            st.latest.Currency,
			LatestType:          st.latest.FeeType,
			Latest:              point(st.latest),
			QuantityOutstanding: st.latest.QuantityOutstanding,
		}
		if r, ok := st.tracked[Management]; ok {
			p := point(r)
			snap.Management = &p
		}
		if r, ok := st.tracked[Performance]; ok {
			p := point(r)
			snap.Performance = &p
		}
		if r, ok := st.tracked[Custody]; ok {
			p := point(r)
			snap.Custody = &p
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ProductID < snaps[j].ProductID })
	return snaps
}

func point(r FeeRecord) FeePoint {
	return FeePoint{NaturalKey: r.NaturalKey, BookingDate: r.BookingDate(), Amount: r.Amount}
}

// SnapshotResult describes one snapshot rebuild.
type SnapshotResult struct {
	Products int
	Changes  ReplaceStats
}

// SnapshotBuilder rebuilds the latest-snapshot table from the raw records.
type SnapshotBuilder struct {
	store SnapshotStore
}

func NewSnapshotBuilder(store SnapshotStore) *SnapshotBuilder {
	return &SnapshotBuilder{store: store}
}

// Rebuild replaces the snapshot table so that it holds exactly one row per
// product present in the raw records.
func (b *SnapshotBuilder) Rebuild(ctx context.Context) (SnapshotResult, error) {
	records, err := b.store.ListRecords(ctx)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("SnapshotBuilder.Rebuild: list records: %w", err)
	}

	snaps := ComputeSnapshots(records)
	changes, err := b.store.ReplaceSnapshots(ctx, snaps)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("SnapshotBuilder.Rebuild: replace snapshots: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("products", len(snaps)).
		Int("upserted", changes.Upserted).
		Int("deleted", changes.Deleted).
		Msg("Snapshots rebuilt")
	return SnapshotResult{Products: len(snaps), Changes: changes}, nil
}
