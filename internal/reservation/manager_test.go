package reservation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/smsrelay/internal/model"
	"github.com/hitoshi/smsrelay/internal/repository"
)

var baseTime = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T, numbers ...string) (*Manager, *repository.Store, *clock, map[string]string) {
	t.Helper()
	store := repository.NewMemoryBackedStore(repository.NewMemoryStore())

	var recs []*model.NumberRecord
	for _, n := range numbers {
		recs = append(recs, &model.NumberRecord{Number: n, CountryCode: "US", Status: model.NumberStatusAvailable})
	}
	if err := store.Numbers.UpsertFromPanel(t.Context(), recs, baseTime); err != nil {
		t.Fatalf("UpsertFromPanel() error = %v", err)
	}

	ids := map[string]string{}
	for _, n := range numbers {
		rec, err := store.Numbers.FindByNumber(t.Context(), n)
		if err != nil || rec == nil {
			t.Fatalf("FindByNumber(%s) = %v, %v", n, rec, err)
		}
		ids[n] = rec.ID
	}

	clk := &clock{now: baseTime}
	m := NewManager(store.Numbers, 10*time.Minute, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), nil)
	m.SetClock(clk.Now)
	return m, store, clk, ids
}

func TestReserve_Success(t *testing.T) {
	m, _, _, ids := setup(t, "+100")

	got, err := m.Reserve(t.Context(), ids["+100"], 42)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if got.Status != model.NumberStatusReserved {
		t.Errorf("Status = %q, want reserved", got.Status)
	}
	if got.ReservedBy == nil || *got.ReservedBy != 42 {
		t.Errorf("ReservedBy = %v, want 42", got.ReservedBy)
	}
	if got.ReservedUntil == nil || !got.ReservedUntil.Equal(baseTime.Add(10*time.Minute)) {
		t.Errorf("ReservedUntil = %v, want %v", got.ReservedUntil, baseTime.Add(10*time.Minute))
	}
}

func TestReserve_NotFound(t *testing.T) {
	m, _, _, _ := setup(t)

	_, err := m.Reserve(t.Context(), "missing", 42)
	if !model.IsAPIErrorCode(err, model.ErrCodeNumberNotFound) {
		t.Errorf("Reserve() error = %v, want NUMBER_NOT_FOUND", err)
	}
}

func TestReserve_NotAvailable(t *testing.T) {
	m, store, _, ids := setup(t, "+100", "+200")

	if _, err := m.Reserve(t.Context(), ids["+100"], 1); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	_, err := m.Reserve(t.Context(), ids["+100"], 2)
	if !model.IsAPIErrorCode(err, model.ErrCodeNumberNotAvailable) {
		t.Errorf("予約済み番号のReserve() error = %v, want NUMBER_NOT_AVAILABLE", err)
	}

	busy := []*model.NumberRecord{{Number: "+200", CountryCode: "US", Status: model.NumberStatusBusy}}
	if err := store.Numbers.UpsertFromPanel(t.Context(), busy, baseTime); err != nil {
		t.Fatalf("UpsertFromPanel() error = %v", err)
	}
	_, err = m.Reserve(t.Context(), ids["+200"], 2)
	if !model.IsAPIErrorCode(err, model.ErrCodeNumberNotAvailable) {
		t.Errorf("busy番号のReserve() error = %v, want NUMBER_NOT_AVAILABLE", err)
	}
}

func TestReserve_ConcurrentSingleWinner(t *testing.T) {
	m, _, _, ids := setup(t, "+100")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
	)
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(holder int64) {
			defer wg.Done()
			if _, err := m.Reserve(context.Background(), ids["+100"], holder); err == nil {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("予約成功数 = %d, want 1", len(winners))
	}
	holder, err := m.HolderOf(t.Context(), "+100")
	if err != nil || holder == nil || *holder != winners[0] {
		t.Errorf("HolderOf() = %v, %v, want %d", holder, err, winners[0])
	}
}

func TestRelease_Unconditional(t *testing.T) {
	m, _, _, ids := setup(t, "+100")

	if _, err := m.Reserve(t.Context(), ids["+100"], 42); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := m.Release(t.Context(), ids["+100"]); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got, err := m.Get(t.Context(), ids["+100"])
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.NumberStatusAvailable || got.ReservedBy != nil || got.ReservedUntil != nil {
		t.Errorf("解放後の番号 = %+v", got)
	}

	// 未予約の番号の解放もエラーにならない
	if err := m.Release(t.Context(), ids["+100"]); err != nil {
		t.Errorf("2回目のRelease() error = %v", err)
	}
	if err := m.Release(t.Context(), "missing"); !model.IsAPIErrorCode(err, model.ErrCodeNumberNotFound) {
		t.Errorf("存在しない番号のRelease() error = %v, want NUMBER_NOT_FOUND", err)
	}
}

func TestReleaseHeldBy(t *testing.T) {
	m, _, clk, ids := setup(t, "+15551234567")
	id := ids["+15551234567"]

	if _, err := m.Reserve(t.Context(), id, 42); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	if err := m.ReleaseHeldBy(t.Context(), id, 43); !model.IsAPIErrorCode(err, model.ErrCodeForbiddenRelease) {
		t.Errorf("保持者以外のReleaseHeldBy() error = %v, want FORBIDDEN_RELEASE", err)
	}
	if err := m.ReleaseHeldBy(t.Context(), "missing", 42); !model.IsAPIErrorCode(err, model.ErrCodeNumberNotFound) {
		t.Errorf("存在しない番号のReleaseHeldBy() error = %v, want NUMBER_NOT_FOUND", err)
	}

	// 期限切れの予約は保持者本人でも解放できない（スイープに任せる）
	clk.Advance(11 * time.Minute)
	if err := m.ReleaseHeldBy(t.Context(), id, 42); !model.IsAPIErrorCode(err, model.ErrCodeForbiddenRelease) {
		t.Errorf("期限切れ後のReleaseHeldBy() error = %v, want FORBIDDEN_RELEASE", err)
	}

	if _, err := m.Reserve(t.Context(), id, 43); err != nil {
		t.Fatalf("Reserve(43) error = %v", err)
	}
	if err := m.ReleaseHeldBy(t.Context(), id, 43); err != nil {
		t.Fatalf("ReleaseHeldBy() error = %v", err)
	}
	n, _ := m.Get(t.Context(), id)
	if n.Status != model.NumberStatusAvailable || n.ReservedBy != nil {
		t.Errorf("解放後 = %+v, want available", n)
	}
}

func TestSweepExpired(t *testing.T) {
	m, _, clk, ids := setup(t, "+100", "+200")

	if _, err := m.Reserve(t.Context(), ids["+100"], 1); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	clk.Advance(5 * time.Minute)
	if _, err := m.Reserve(t.Context(), ids["+200"], 2); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	clk.Advance(6 * time.Minute)
	n, err := m.SweepExpired(t.Context())
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SweepExpired() = %d, want 1", n)
	}

	n, err = m.SweepExpired(t.Context())
	if err != nil || n != 0 {
		t.Errorf("2回目のSweepExpired() = %d, %v, want 0", n, err)
	}

	first, _ := m.Get(t.Context(), ids["+100"])
	if first.Status != model.NumberStatusAvailable {
		t.Errorf("期限切れ番号のStatus = %q, want available", first.Status)
	}
	second, _ := m.Get(t.Context(), ids["+200"])
	if second.Status != model.NumberStatusReserved {
		t.Errorf("有効な予約のStatus = %q, want reserved", second.Status)
	}
}

func TestHolderOf_IgnoresExpiredBeforeSweep(t *testing.T) {
	m, _, clk, ids := setup(t, "+100")

	if _, err := m.Reserve(t.Context(), ids["+100"], 7); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	clk.Advance(10 * time.Minute)

	holder, err := m.HolderOf(t.Context(), "+100")
	if err != nil {
		t.Fatalf("HolderOf() error = %v", err)
	}
	if holder != nil {
		t.Errorf("期限ちょうどのHolderOf() = %d, want nil", *holder)
	}

	// スイープ前でも期限切れの番号は再予約できる
	got, err := m.Reserve(t.Context(), ids["+100"], 8)
	if err != nil {
		t.Fatalf("期限切れ番号のReserve() error = %v", err)
	}
	if *got.ReservedBy != 8 {
		t.Errorf("ReservedBy = %d, want 8", *got.ReservedBy)
	}
}

func TestHolderOf_UnknownNumber(t *testing.T) {
	m, _, _, _ := setup(t)

	holder, err := m.HolderOf(t.Context(), "+999")
	if err != nil || holder != nil {
		t.Errorf("HolderOf() = %v, %v, want nil, nil", holder, err)
	}
}

type failingNumbers struct {
	repository.NumberRepository
}

func (failingNumbers) Reserve(context.Context, string, int64, time.Time, time.Time) (*model.NumberRecord, error) {
	return nil, errors.New("db down")
}

func (failingNumbers) ReleaseHeldBy(context.Context, string, int64, time.Time) (*model.NumberRecord, error) {
	return nil, errors.New("db down")
}

func (failingNumbers) ReleaseExpired(context.Context, time.Time) (int, error) {
	return 0, errors.New("db down")
}

func TestManager_PropagatesStoreErrors(t *testing.T) {
	m := NewManager(failingNumbers{}, 0, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), nil)

	if m.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want %v", m.TTL(), DefaultTTL)
	}
	if _, err := m.Reserve(t.Context(), "id", 1); err == nil {
		t.Error("Reserve() error = nil, want error")
	}
	if err := m.ReleaseHeldBy(t.Context(), "id", 1); err == nil {
		t.Error("ReleaseHeldBy() error = nil, want error")
	}
	if _, err := m.SweepExpired(t.Context()); err == nil {
		t.Error("SweepExpired() error = nil, want error")
	}
}
