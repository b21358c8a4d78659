package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/logger"
	"github.com/dvloznov/finsync/internal/retry"
)

// FeeStore implements fees.Store on top of postgres.
//
// Decimals cross the wire as text and are cast to NUMERIC in SQL, so no
// precision is lost in either direction.
type FeeStore struct {
	db    *DB
	retry retry.Policy
}

// NewFeeStore creates a FeeStore. Transactions failing with a transient
// error are retried under policy.
func NewFeeStore(db *DB, policy retry.Policy) *FeeStore {
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &FeeStore{db: db, retry: policy}
}

// inTx runs fn in a transaction, retrying the whole transaction on transient errors.
func (s *FeeStore) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return retry.Do(ctx, s.retry, func(ctx context.Context, attempt int) error {
		err := s.db.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return retry.Permanent(err)
		}
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Transient database error")
		return err
	})
}

func (s *FeeStore) GetWatermark(ctx context.Context, source string) (fees.Watermark, bool, error) {
	var wm fees.Watermark
	err := s.db.QueryRow(ctx,
		`SELECT source, last_synced_at FROM sync_watermarks WHERE source = $1`, source,
	).Scan(&wm.Source, &wm.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fees.Watermark{}, false, nil
	}
	if err != nil {
		return fees.Watermark{}, false, fmt.Errorf("FeeStore.GetWatermark: %w", err)
	}
	wm.LastSyncedAt = wm.LastSyncedAt.UTC()
	return wm, true, nil
}

// ListWatermarks returns every stored watermark ordered by source.
func (s *FeeStore) ListWatermarks(ctx context.Context) ([]fees.Watermark, error) {
	rows, err := s.db.Query(ctx, `SELECT source, last_synced_at FROM sync_watermarks ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("FeeStore.ListWatermarks: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fees.Watermark, error) {
		var wm fees.Watermark
		err := row.Scan(&wm.Source, &wm.LastSyncedAt)
		wm.LastSyncedAt = wm.LastSyncedAt.UTC()
		return wm, err
	})
	if err != nil {
		return nil, fmt.Errorf("FeeStore.ListWatermarks: %w", err)
	}
	return out, nil
}

func (s *FeeStore) LookupProducts(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT natural_key, product_id FROM fee_records WHERE natural_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("FeeStore.LookupProducts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, product string
		if err := rows.Scan(&key, &product); err != nil {
			return nil, fmt.Errorf("FeeStore.LookupProducts: scan: %w", err)
		}
		out[key] = product
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FeeStore.LookupProducts: %w", err)
	}
	return out, nil
}

var recordColumns = []string{
	"natural_key", "product_id", "product_name", "isin", "currency", "fee_type",
	"source_type", "fee_name", "beneficiary_id", "booked_at", "booking_date",
	"position_change", "amount", "quantity_outstanding",
}

// CommitBatch stages records with COPY, upserts them in one statement and
// moves the watermark, all inside a single transaction. Rows whose content
// is unchanged are not touched. product_id of an existing key is kept.
func (s *FeeStore) CommitBatch(ctx context.Context, source string, records []fees.FeeRecord, syncedAt time.Time) (fees.UpsertStats, error) {
	var stats fees.UpsertStats
	err := s.inTx(ctx, "commit_batch", func(tx pgx.Tx) error {
		stats = fees.UpsertStats{}
		if len(records) > 0 {
			if _, err := tx.Exec(ctx, `
				CREATE TEMP TABLE fee_records_stage (
					natural_key TEXT, product_id TEXT, product_name TEXT, isin TEXT, currency TEXT,
					fee_type TEXT, source_type TEXT, fee_name TEXT, beneficiary_id TEXT,
					booked_at TIMESTAMPTZ, booking_date DATE,
					position_change TEXT, amount TEXT, quantity_outstanding TEXT
				) ON COMMIT DROP`); err != nil {
				return fmt.Errorf("create stage: %w", err)
			}

			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"fee_records_stage"}, recordColumns,
				pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
					return recordValues(records[i]), nil
				})); err != nil {
				return fmt.Errorf("copy records: %w", err)
			}

			rows, err := tx.Query(ctx, `
				INSERT INTO fee_records AS t (
					natural_key, product_id, product_name, isin, currency, fee_type,
					source_type, fee_name, beneficiary_id, booked_at, booking_date,
					position_change, amount, quantity_outstanding
				)
				SELECT natural_key, product_id, product_name, isin, currency, fee_type,
					source_type, fee_name, beneficiary_id, booked_at, booking_date,
					position_change::numeric, amount::numeric, quantity_outstanding::numeric
				FROM fee_records_stage
				ON CONFLICT (natural_key) DO UPDATE SET
					product_name = EXCLUDED.product_name,
					isin = EXCLUDED.isin,
					currency = EXCLUDED.currency,
					fee_type = EXCLUDED.fee_type,
					source_type = EXCLUDED.source_type,
					fee_name = EXCLUDED.fee_name,
					beneficiary_id = EXCLUDED.beneficiary_id,
					booked_at = EXCLUDED.booked_at,
					booking_date = EXCLUDED.booking_date,
					position_change = EXCLUDED.position_change,
					amount = EXCLUDED.amount,
					quantity_outstanding = EXCLUDED.quantity_outstanding,
					updated_at = now()
				WHERE (t.product_name, t.isin, t.currency, t.fee_type, t.source_type, t.fee_name,
				       t.beneficiary_id, t.booked_at, t.position_change, t.amount, t.quantity_outstanding)
				  IS DISTINCT FROM
				      (EXCLUDED.product_name, EXCLUDED.isin, EXCLUDED.currency, EXCLUDED.fee_type,
				       EXCLUDED.source_type, EXCLUDED.fee_name, EXCLUDED.beneficiary_id, EXCLUDED.booked_at,
				       EXCLUDED.position_change, EXCLUDED.amount, EXCLUDED.quantity_outstanding)
				RETURNING (xmax = 0)`)
			if err != nil {
				return fmt.Errorf("upsert records: %w", err)
			}
			inserted, err := pgx.CollectRows(rows, pgx.RowTo[bool])
			if err != nil {
				return fmt.Errorf("upsert records: %w", err)
			}
			for _, ins := range inserted {
				if ins {
					stats.Inserted++
				} else {
					stats.Updated++
				}
			}
			stats.Unchanged = len(records) - len(inserted)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO sync_watermarks (source, last_synced_at, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (source) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at, updated_at = now()`,
			source, syncedAt.UTC()); err != nil {
			return fmt.Errorf("set watermark: %w", err)
		}
		return nil
	})
	if err != nil {
		return fees.UpsertStats{}, fmt.Errorf("FeeStore.CommitBatch: %w", err)
	}
	return stats, nil
}

func recordValues(r fees.FeeRecord) []any {
	return []any{
		r.NaturalKey, r.ProductID, r.ProductName, r.ISIN, r.Currency, string(r.FeeType),
		r.SourceType, r.FeeName, r.BeneficiaryID, r.BookedAt.UTC(), r.BookingDate(),
		r.PositionChange.String(), r.Amount.String(), nullDecimalText(r.QuantityOutstanding),
	}
}

func (s *FeeStore) ListRecords(ctx context.Context) ([]fees.FeeRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT natural_key, product_id, product_name, isin, currency, fee_type,
			source_type, fee_name, beneficiary_id, booked_at, booking_date,
			position_change::text, amount::text, quantity_outstanding::text
		FROM fee_records
		ORDER BY natural_key`)
	if err != nil {
		return nil, fmt.Errorf("FeeStore.ListRecords: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fees.FeeRecord, error) {
		var (
			r              fees.FeeRecord
			feeType        string
			change, amount string
			quantity       *string
		)
		if err := row.Scan(&r.NaturalKey, &r.ProductID, &r.ProductName, &r.ISIN, &r.Currency, &feeType,
			&r.SourceType, &r.FeeName, &r.BeneficiaryID, &r.BookedAt, &r.BookingDay,
			&change, &amount, &quantity); err != nil {
			return r, err
		}
		r.FeeType = fees.FeeType(feeType)
		r.BookedAt = r.BookedAt.UTC()
		r.BookingDay = fees.CivilDay(r.BookingDay)

		var err error
		if r.PositionChange, err = decimal.NewFromString(change); err != nil {
			return r, fmt.Errorf("position_change of %s: %w", r.NaturalKey, err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return r, fmt.Errorf("amount of %s: %w", r.NaturalKey, err)
		}
		if quantity != nil {
			q, err := decimal.NewFromString(*quantity)
			if err != nil {
				return r, fmt.Errorf("quantity_outstanding of %s: %w", r.NaturalKey, err)
			}
			r.QuantityOutstanding = decimal.NewNullDecimal(q)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("FeeStore.ListRecords: %w", err)
	}
	return out, nil
}

func nullDecimalText(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

// Ensure FeeStore implements the fee store interface.
var _ fees.Store = (*FeeStore)(nil)
