package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/smsrelay/internal/model"
)

var fixedNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newSeededStore(t *testing.T, numbers ...string) (*Store, map[string]string) {
	t.Helper()
	store := NewMemoryBackedStore(NewMemoryStore())
	var records []*model.NumberRecord
	for _, n := range numbers {
		records = append(records, &model.NumberRecord{
			Number:      n,
			CountryCode: "US",
			CountryName: "United States",
			Service:     "WhatsApp",
			Status:      model.NumberStatusAvailable,
		})
	}
	if err := store.Numbers.UpsertFromPanel(context.Background(), records, fixedNow); err != nil {
		t.Fatalf("UpsertFromPanel failed: %v", err)
	}
	ids := make(map[string]string)
	for _, n := range numbers {
		rec, err := store.Numbers.FindByNumber(context.Background(), n)
		if err != nil || rec == nil {
			t.Fatalf("FindByNumber(%s) = (%v, %v)", n, rec, err)
		}
		ids[n] = rec.ID
	}
	return store, ids
}

func TestMemoryStore_UpsertFromPanel_IsIdempotent(t *testing.T) {
	store, _ := newSeededStore(t, "+15551234567", "+15557654321")
	ctx := context.Background()

	snapshot := []*model.NumberRecord{
		{Number: "+15551234567", CountryCode: "US", Status: model.NumberStatusAvailable},
		{Number: "+15557654321", CountryCode: "US", Status: model.NumberStatusBusy},
	}
	for i := 0; i < 2; i++ {
		if err := store.Numbers.UpsertFromPanel(ctx, snapshot, fixedNow); err != nil {
			t.Fatalf("UpsertFromPanel failed: %v", err)
		}
	}

	stats, err := store.Stats.GetStats(ctx, fixedNow)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Numbers != 2 {
		t.Errorf("Numbers = %d, want 2", stats.Numbers)
	}
	busy, _ := store.Numbers.FindByNumber(ctx, "+15557654321")
	if busy.Status != model.NumberStatusBusy {
		t.Errorf("status = %q, want busy", busy.Status)
	}
}

func TestMemoryStore_UpsertFromPanel_KeepsReservation(t *testing.T) {
	store, ids := newSeededStore(t, "+15551234567")
	ctx := context.Background()
	id := ids["+15551234567"]

	if _, err := store.Numbers.Reserve(ctx, id, 42, fixedNow.Add(10*time.Minute), fixedNow); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	err := store.Numbers.UpsertFromPanel(ctx, []*model.NumberRecord{
		{Number: "+15551234567", CountryCode: "US", Service: "Telegram", Status: model.NumberStatusBusy},
	}, fixedNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("UpsertFromPanel failed: %v", err)
	}

	n, _ := store.Numbers.FindByID(ctx, id)
	if n.Status != model.NumberStatusReserved {
		t.Errorf("status = %q, want reserved", n.Status)
	}
	if n.ReservedBy == nil || *n.ReservedBy != 42 {
		t.Errorf("ReservedBy = %v, want 42", n.ReservedBy)
	}
	if n.Service != "Telegram" {
		t.Errorf("Service = %q, want Telegram", n.Service)
	}
}

func TestMemoryStore_Reserve_ConcurrentExactlyOneWins(t *testing.T) {
	store, ids := newSeededStore(t, "+15551234567")
	id := ids["+15551234567"]

	const workers = 50
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(holder int64) {
			defer wg.Done()
			n, err := store.Numbers.Reserve(context.Background(), id, holder, fixedNow.Add(10*time.Minute), fixedNow)
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			if n != nil {
				wins.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful reservations = %d, want 1", got)
	}
}

func TestMemoryStore_Reserve_ExpiredReservationIsReservable(t *testing.T) {
	store, ids := newSeededStore(t, "+15551234567")
	ctx := context.Background()
	id := ids["+15551234567"]

	if n, _ := store.Numbers.Reserve(ctx, id, 1, fixedNow.Add(time.Minute), fixedNow); n == nil {
		t.Fatal("first reservation must succeed")
	}
	if n, _ := store.Numbers.Reserve(ctx, id, 2, fixedNow.Add(11*time.Minute), fixedNow.Add(30*time.Second)); n != nil {
		t.Fatal("reservation within TTL must not be taken over")
	}
	n, _ := store.Numbers.Reserve(ctx, id, 2, fixedNow.Add(12*time.Minute), fixedNow.Add(2*time.Minute))
	if n == nil {
		t.Fatal("expired reservation must be reservable")
	}
	if *n.ReservedBy != 2 {
		t.Errorf("ReservedBy = %d, want 2", *n.ReservedBy)
	}
}

func TestMemoryStore_ReleaseExpired_OnlyExpired(t *testing.T) {
	store, ids := newSeededStore(t, "+10000000001", "+10000000002")
	ctx := context.Background()

	store.Numbers.Reserve(ctx, ids["+10000000001"], 1, fixedNow.Add(-time.Second), fixedNow.Add(-10*time.Minute))
	store.Numbers.Reserve(ctx, ids["+10000000002"], 2, fixedNow.Add(5*time.Minute), fixedNow)

	count, err := store.Numbers.ReleaseExpired(ctx, fixedNow)
	if err != nil {
		t.Fatalf("ReleaseExpired failed: %v", err)
	}
	if count != 1 {
		t.Errorf("released = %d, want 1", count)
	}

	expired, _ := store.Numbers.FindByID(ctx, ids["+10000000001"])
	if expired.Status != model.NumberStatusAvailable || expired.ReservedBy != nil || expired.ReservedUntil != nil {
		t.Errorf("expired number not reset: %+v", expired)
	}
	live, _ := store.Numbers.FindByID(ctx, ids["+10000000002"])
	if live.Status != model.NumberStatusReserved {
		t.Errorf("live reservation status = %q, want reserved", live.Status)
	}

	// 2回目は何もしない
	count, _ = store.Numbers.ReleaseExpired(ctx, fixedNow)
	if count != 0 {
		t.Errorf("second sweep released = %d, want 0", count)
	}
}

func TestMemoryStore_ReleaseHeldBy_OnlyLiveHolder(t *testing.T) {
	store, ids := newSeededStore(t, "+15551234567")
	ctx := context.Background()
	id := ids["+15551234567"]

	// 42の予約が期限切れになり、43が取り直した状態
	store.Numbers.Reserve(ctx, id, 42, fixedNow.Add(time.Minute), fixedNow)
	later := fixedNow.Add(11 * time.Minute)
	if n, _ := store.Numbers.Reserve(ctx, id, 43, later.Add(10*time.Minute), later); n == nil {
		t.Fatal("expired reservation must be reservable by another holder")
	}

	if n, err := store.Numbers.ReleaseHeldBy(ctx, id, 42, later); err != nil || n != nil {
		t.Fatalf("ReleaseHeldBy by previous holder = (%v, %v), want (nil, nil)", n, err)
	}
	live, _ := store.Numbers.FindByID(ctx, id)
	if !live.IsHeldBy(43, later) {
		t.Errorf("holder 43 lost its reservation: %+v", live)
	}

	n, err := store.Numbers.ReleaseHeldBy(ctx, id, 43, later)
	if err != nil || n == nil {
		t.Fatalf("ReleaseHeldBy by holder = (%v, %v), want released", n, err)
	}
	if n.Status != model.NumberStatusAvailable || n.ReservedBy != nil || n.ReservedUntil != nil {
		t.Errorf("released number not reset: %+v", n)
	}

	if n, _ := store.Numbers.ReleaseHeldBy(ctx, "missing", 43, later); n != nil {
		t.Errorf("ReleaseHeldBy(missing) = %+v, want nil", n)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store, ids := newSeededStore(t, "+15551234567")
	ctx := context.Background()

	n, _ := store.Numbers.FindByID(ctx, ids["+15551234567"])
	n.Status = model.NumberStatusBusy

	again, _ := store.Numbers.FindByID(ctx, ids["+15551234567"])
	if again.Status != model.NumberStatusAvailable {
		t.Errorf("stored record was mutated through returned pointer: %q", again.Status)
	}
}

func TestMemoryStore_HolderQueries(t *testing.T) {
	store, ids := newSeededStore(t, "+10000000001", "+10000000002", "+10000000003")
	ctx := context.Background()

	store.Numbers.Reserve(ctx, ids["+10000000001"], 42, fixedNow.Add(10*time.Minute), fixedNow)
	store.Numbers.Reserve(ctx, ids["+10000000002"], 42, fixedNow.Add(5*time.Minute), fixedNow)
	store.Numbers.Reserve(ctx, ids["+10000000003"], 7, fixedNow.Add(5*time.Minute), fixedNow)

	count, _ := store.Numbers.CountReservedByHolder(ctx, 42, fixedNow)
	if count != 2 {
		t.Errorf("CountReservedByHolder = %d, want 2", count)
	}
	held, _ := store.Numbers.ListReservedByHolder(ctx, 42, fixedNow)
	if len(held) != 2 || held[0].Number != "+10000000002" {
		t.Errorf("ListReservedByHolder order unexpected: %+v", held)
	}

	rec, _ := store.Numbers.FindReservedByNumber(ctx, "+10000000003", fixedNow)
	if rec == nil || *rec.ReservedBy != 7 {
		t.Errorf("FindReservedByNumber = %+v, want holder 7", rec)
	}
	rec, _ = store.Numbers.FindReservedByNumber(ctx, "+10000000003", fixedNow.Add(6*time.Minute))
	if rec != nil {
		t.Errorf("expired reservation must not be returned: %+v", rec)
	}
}

func TestMemoryStore_OTPs(t *testing.T) {
	store := NewMemoryBackedStore(NewMemoryStore())
	ctx := context.Background()
	holder := int64(42)

	otp := &model.OTPRecord{
		Number:     "+15551234567",
		Code:       "482913",
		HolderID:   &holder,
		ReceivedAt: fixedNow,
		DedupKey:   "key-1",
		CreatedAt:  fixedNow,
	}
	if err := store.OTPs.Create(ctx, otp); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if otp.ID == "" {
		t.Fatal("Create must assign an ID")
	}

	exists, _ := store.OTPs.ExistsByDedupKey(ctx, "key-1", fixedNow.Add(-time.Minute))
	if !exists {
		t.Error("ExistsByDedupKey must find the OTP within the window")
	}
	exists, _ = store.OTPs.ExistsByDedupKey(ctx, "key-1", fixedNow.Add(time.Minute))
	if exists {
		t.Error("ExistsByDedupKey must ignore OTPs received before since")
	}

	if err := store.OTPs.MarkDelivered(ctx, otp.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	list, _ := store.OTPs.ListByHolder(ctx, 42, 10)
	if len(list) != 1 || !list[0].Delivered {
		t.Errorf("ListByHolder = %+v, want one delivered OTP", list)
	}

	deleted, _ := store.OTPs.DeleteOlderThan(ctx, fixedNow.Add(time.Hour))
	if deleted != 1 {
		t.Errorf("DeleteOlderThan = %d, want 1", deleted)
	}
}

func TestMemoryStore_UserCounters(t *testing.T) {
	store := NewMemoryBackedStore(NewMemoryStore())
	ctx := context.Background()

	if err := store.Users.IncrementOTPsReceived(ctx, 42); err != nil {
		t.Fatalf("IncrementOTPsReceived failed: %v", err)
	}
	store.Users.IncrementNumbersUsed(ctx, 42)
	store.Users.IncrementNumbersUsed(ctx, 42)
	store.Users.Upsert(ctx, &model.User{ID: 42, DisplayName: "alice"})

	u, _ := store.Users.FindByID(ctx, 42)
	if u == nil {
		t.Fatal("user must be created by counter increment")
	}
	if u.OTPsReceived != 1 || u.NumbersUsed != 2 {
		t.Errorf("counters = (%d, %d), want (1, 2)", u.OTPsReceived, u.NumbersUsed)
	}
	if u.DisplayName != "alice" {
		t.Errorf("DisplayName = %q, want alice", u.DisplayName)
	}
}
