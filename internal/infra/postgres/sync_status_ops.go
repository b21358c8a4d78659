package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dvloznov/finsync/internal/fees"
)

const syncStatusColumns = `source, status, last_error, last_run_mode, last_duration_seconds,
	last_record_count, last_seen_fee_id, last_seen_booking_date, last_full_sync,
	last_success_at, started_at, updated_at`

func (s *FeeStore) GetSyncStatus(ctx context.Context, source string) (fees.SyncStatus, bool, error) {
	rows, err := s.db.Query(ctx, `SELECT `+syncStatusColumns+` FROM fee_sync_status WHERE source = $1`, source)
	if err != nil {
		return fees.SyncStatus{}, false, fmt.Errorf("FeeStore.GetSyncStatus: %w", err)
	}
	st, err := pgx.CollectExactlyOneRow(rows, scanSyncStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return fees.SyncStatus{}, false, nil
	}
	if err != nil {
		return fees.SyncStatus{}, false, fmt.Errorf("FeeStore.GetSyncStatus: %w", err)
	}
	return st, true, nil
}

// ListSyncStatuses returns the status of every source ordered by source.
func (s *FeeStore) ListSyncStatuses(ctx context.Context) ([]fees.SyncStatus, error) {
	rows, err := s.db.Query(ctx, `SELECT `+syncStatusColumns+` FROM fee_sync_status ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("FeeStore.ListSyncStatuses: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanSyncStatus)
	if err != nil {
		return nil, fmt.Errorf("FeeStore.ListSyncStatuses: %w", err)
	}
	return out, nil
}

func (s *FeeStore) SaveSyncStatus(ctx context.Context, st fees.SyncStatus) error {
	if st.Source == "" {
		return fmt.Errorf("FeeStore.SaveSyncStatus: source is required")
	}
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO fee_sync_status (`+syncStatusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			last_run_mode = EXCLUDED.last_run_mode,
			last_duration_seconds = EXCLUDED.last_duration_seconds,
			last_record_count = EXCLUDED.last_record_count,
			last_seen_fee_id = EXCLUDED.last_seen_fee_id,
			last_seen_booking_date = EXCLUDED.last_seen_booking_date,
			last_full_sync = EXCLUDED.last_full_sync,
			last_success_at = EXCLUDED.last_success_at,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at`,
		st.Source, string(st.Status), nullText(st.LastError), string(st.LastRunMode), st.LastDuration.Seconds(),
		st.LastRecordCount, nullText(st.LastSeenFeeID), nullTime(st.LastSeenBookingDate), nullTime(st.LastFullSync),
		nullTime(st.LastSuccessAt), st.StartedAt.UTC(), updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("FeeStore.SaveSyncStatus: %w", err)
	}
	return nil
}

func scanSyncStatus(row pgx.CollectableRow) (fees.SyncStatus, error) {
	var (
		st                       fees.SyncStatus
		status, mode             string
		lastError, lastSeen      *string
		seenDate, fullSync, okAt *time.Time
		durationSeconds          float64
	)
	err := row.Scan(&st.Source, &status, &lastError, &mode, &durationSeconds,
		&st.LastRecordCount, &lastSeen, &seenDate, &fullSync,
		&okAt, &st.StartedAt, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	st.Status = fees.SyncState(status)
	st.LastRunMode = fees.RunMode(mode)
	st.LastDuration = time.Duration(durationSeconds * float64(time.Second))
	st.StartedAt = st.StartedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	if lastError != nil {
		st.LastError = *lastError
	}
	if lastSeen != nil {
		st.LastSeenFeeID = *lastSeen
	}
	if seenDate != nil {
		st.LastSeenBookingDate = fees.CivilDay(*seenDate)
	}
	if fullSync != nil {
		st.LastFullSync = fullSync.UTC()
	}
	if okAt != nil {
		st.LastSuccessAt = okAt.UTC()
	}
	return st, nil
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
