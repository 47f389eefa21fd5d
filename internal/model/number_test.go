package model

import (
	"testing"
	"time"
)

func reservedNumber(holder int64, until time.Time) *NumberRecord {
	return &NumberRecord{
		ID:            "n1",
		Number:        "+2250700000001",
		Status:        NumberStatusReserved,
		ReservedBy:    &holder,
		ReservedUntil: &until,
	}
}

func TestNumberRecord_HolderAt(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		record *NumberRecord
		want   *int64
	}{
		{name: "available", record: &NumberRecord{Status: NumberStatusAvailable}},
		{name: "busy", record: &NumberRecord{Status: NumberStatusBusy}},
		{name: "expired", record: reservedNumber(7, now.Add(-time.Second))},
		{name: "expires exactly now", record: reservedNumber(7, now)},
		{name: "active", record: reservedNumber(7, now.Add(time.Minute)), want: ptr(int64(7))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.record.HolderAt(now)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("HolderAt() = %d, want nil", *got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Errorf("HolderAt() = %v, want %d", got, *tt.want)
			}
		})
	}
}

func TestNumberRecord_IsHeldBy(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	n := reservedNumber(7, now.Add(time.Minute))

	if !n.IsHeldBy(7, now) {
		t.Error("expected holder 7 to hold the number")
	}
	if n.IsHeldBy(8, now) {
		t.Error("expected holder 8 not to hold the number")
	}
	if n.IsHeldBy(7, now.Add(2*time.Minute)) {
		t.Error("expected expired reservation not to be held")
	}
}

func TestNumberRecord_ReservableAt(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		record *NumberRecord
		want   bool
	}{
		{name: "available", record: &NumberRecord{Status: NumberStatusAvailable}, want: true},
		{name: "busy", record: &NumberRecord{Status: NumberStatusBusy}, want: false},
		{name: "held", record: reservedNumber(7, now.Add(time.Minute)), want: false},
		{name: "expired but not swept", record: reservedNumber(7, now.Add(-time.Minute)), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.ReservableAt(now); got != tt.want {
				t.Errorf("ReservableAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAPIErrorCode(t *testing.T) {
	err := NewReservationLimitError(3)
	if !IsAPIErrorCode(err, ErrCodeReservationLimit) {
		t.Error("expected RESERVATION_LIMIT code")
	}
	if IsAPIErrorCode(err, ErrCodeNumberNotFound) {
		t.Error("unexpected NUMBER_NOT_FOUND match")
	}
	if IsAPIErrorCode(nil, ErrCodeReservationLimit) {
		t.Error("nil error should not match")
	}
}

func ptr[T any](v T) *T { return &v }
