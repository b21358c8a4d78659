package fees

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnparsableDate is returned by Normalize for items without a usable booking date.
var ErrUnparsableDate = errors.New("unparsable booking date")

var bookingLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"20060102",
}

// Normalize validates a raw item and converts it into a FeeRecord.
func Normalize(raw RawFee) (FeeRecord, error) {
	bookedAt, err := ParseBookingDate(raw.BookingDate)
	if err != nil {
		return FeeRecord{}, err
	}

	positionChange := decimal.Zero
	if s := strings.TrimSpace(raw.PositionChange); s != "" {
		positionChange, err = decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
		if err != nil {
			return FeeRecord{}, fmt.Errorf("position change %q: %w", raw.PositionChange, err)
		}
	}

	var quantity decimal.NullDecimal
	if s := strings.TrimSpace(raw.OutstandingQuantity); s != "" {
		q, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
		if err == nil {
			quantity = decimal.NewNullDecimal(q)
		}
	}

	feeName := raw.FeeName
	if feeName == "" {
		feeName = strings.Replace(raw.Type, "FeeDeduction", " Fee", 1)
	}

	return FeeRecord{
		NaturalKey:          NaturalKey(raw),
		ProductID:           raw.ProductID,
		ProductName:         raw.ProductName,
		ISIN:                raw.ISIN,
		Currency:            raw.Currency,
		FeeType:             TypeFromSource(raw.Type),
		SourceType:          raw.Type,
		FeeName:             feeName,
		BeneficiaryID:       raw.BeneficiaryID,
		BookedAt:            bookedAt,
		BookingDay:          CivilDay(bookedAt),
		PositionChange:      positionChange,
		Amount:              positionChange.Abs(),
		QuantityOutstanding: quantity,
	}, nil
}

// NaturalKey is the source id of the item, or a content hash when the source
// did not provide one.
func NaturalKey(raw RawFee) string {
	if id := strings.TrimSpace(raw.ID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		raw.ProductID,
		raw.Type,
		strings.TrimSpace(raw.BookingDate),
		strings.TrimSpace(raw.PositionChange),
	}, "|")))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ParseBookingDate accepts ISO timestamps and dates, the European day-first
// formats, and Unix epochs in seconds or milliseconds. The result is UTC.
func ParseBookingDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrUnparsableDate
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil && len(s) != 8 && !strings.ContainsAny(s, "-./") {
		if n > 1e11 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		return time.Unix(int64(n), 0).UTC(), nil
	}

	for _, layout := range bookingLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if len(s) > 10 {
		for _, layout := range bookingLayouts[3:] {
			if t, err := time.Parse(layout, s[:10]); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableDate, s)
}
