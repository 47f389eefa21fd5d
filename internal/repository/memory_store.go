package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/smsrelay/internal/model"
)

// MemoryStore はプロセス内メモリ上にすべてのテーブルを保持するストア。
// DATABASE_URL 未設定時とテストで使用する。
// すべてのリポジトリが1つのロックを共有し、返却値はすべてコピーである。
type MemoryStore struct {
	mu        sync.RWMutex
	countries map[string]*model.Country
	numbers   map[string]*model.NumberRecord // id -> number
	byNumber  map[string]string              // number -> id
	otps      []*model.OTPRecord
	users     map[int64]*model.User
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		countries: make(map[string]*model.Country),
		numbers:   make(map[string]*model.NumberRecord),
		byNumber:  make(map[string]string),
		users:     make(map[int64]*model.User),
	}
}

func copyNumber(n *model.NumberRecord) *model.NumberRecord {
	c := *n
	if n.ReservedBy != nil {
		v := *n.ReservedBy
		c.ReservedBy = &v
	}
	if n.ReservedUntil != nil {
		v := *n.ReservedUntil
		c.ReservedUntil = &v
	}
	return &c
}

func copyOTP(o *model.OTPRecord) *model.OTPRecord {
	c := *o
	if o.HolderID != nil {
		v := *o.HolderID
		c.HolderID = &v
	}
	return &c
}

func clearReservation(n *model.NumberRecord, now time.Time) {
	n.Status = model.NumberStatusAvailable
	n.ReservedBy = nil
	n.ReservedUntil = nil
	n.UpdatedAt = now
}

// --- CountryRepository ---

type memoryCountryRepo struct{ s *MemoryStore }

// UpsertMany は国一覧をコード単位で上書きする。
func (r memoryCountryRepo) UpsertMany(ctx context.Context, countries []*model.Country) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range countries {
		cp := *c
		r.s.countries[c.Code] = &cp
	}
	return nil
}

// ListActive は有効な国をコード順で返す。
func (r memoryCountryRepo) ListActive(ctx context.Context) ([]*model.Country, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Country
	for _, c := range r.s.countries {
		if c.Active {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// FindByCode は指定コードの国を取得する。
func (r memoryCountryRepo) FindByCode(ctx context.Context, code string) (*model.Country, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.countries[code]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// --- NumberRepository ---

type memoryNumberRepo struct{ s *MemoryStore }

// FindByID は指定IDの番号を取得する。
func (r memoryNumberRepo) FindByID(ctx context.Context, id string) (*model.NumberRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n, ok := r.s.numbers[id]
	if !ok {
		return nil, nil
	}
	return copyNumber(n), nil
}

// FindByNumber は電話番号文字列で番号を検索する。
func (r memoryNumberRepo) FindByNumber(ctx context.Context, number string) (*model.NumberRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.byNumber[number]
	if !ok {
		return nil, nil
	}
	return copyNumber(r.s.numbers[id]), nil
}

// UpsertFromPanel はパネルから取得した番号を電話番号単位でUPSERTする。
func (r memoryNumberRepo) UpsertFromPanel(ctx context.Context, numbers []*model.NumberRecord, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, in := range numbers {
		status := in.Status
		if status != model.NumberStatusBusy {
			status = model.NumberStatusAvailable
		}

		if id, ok := r.s.byNumber[in.Number]; ok {
			n := r.s.numbers[id]
			n.CountryCode = in.CountryCode
			n.CountryName = in.CountryName
			n.Service = in.Service
			n.Range = in.Range
			if n.Status != model.NumberStatusReserved {
				n.Status = status
			}
			n.UpdatedAt = now
			continue
		}

		n := &model.NumberRecord{
			ID:          uuid.NewString(),
			Number:      in.Number,
			CountryCode: in.CountryCode,
			CountryName: in.CountryName,
			Service:     in.Service,
			Range:       in.Range,
			Status:      status,
			AddedAt:     now,
			UpdatedAt:   now,
		}
		r.s.numbers[n.ID] = n
		r.s.byNumber[n.Number] = n.ID
	}
	return nil
}

// ListByCountry は国コードと状態で番号を絞り込んで返す。
func (r memoryNumberRepo) ListByCountry(ctx context.Context, countryCode string, status model.NumberStatus) ([]*model.NumberRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.NumberRecord
	for _, n := range r.s.numbers {
		if n.CountryCode != countryCode {
			continue
		}
		if status != "" && n.Status != status {
			continue
		}
		out = append(out, copyNumber(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Reserve は番号が予約可能な場合に限り予約を設定する。
// 判定と更新は同一ロック内で行う。
func (r memoryNumberRepo) Reserve(ctx context.Context, id string, holderID int64, until, now time.Time) (*model.NumberRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.numbers[id]
	if !ok || !n.ReservableAt(now) {
		return nil, nil
	}
	holder := holderID
	u := until
	n.Status = model.NumberStatusReserved
	n.ReservedBy = &holder
	n.ReservedUntil = &u
	n.UpdatedAt = now
	return copyNumber(n), nil
}

// Release は番号の状態を無条件に available に戻す。
func (r memoryNumberRepo) Release(ctx context.Context, id string, now time.Time) (*model.NumberRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.numbers[id]
	if !ok {
		return nil, nil
	}
	clearReservation(n, now)
	return copyNumber(n), nil
}

// ReleaseHeldBy は holderID が有効な予約を持つ場合に限り番号を解放する。
func (r memoryNumberRepo) ReleaseHeldBy(ctx context.Context, id string, holderID int64, now time.Time) (*model.NumberRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.numbers[id]
	if !ok || !n.IsHeldBy(holderID, now) {
		return nil, nil
	}
	clearReservation(n, now)
	return copyNumber(n), nil
}

// ReleaseExpired は期限切れの予約をすべて available に戻す。
func (r memoryNumberRepo) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, n := range r.s.numbers {
		if n.Status == model.NumberStatusReserved && n.ReservedUntil != nil && n.ReservedUntil.Before(now) {
			clearReservation(n, now)
			count++
		}
	}
	return count, nil
}

// FindReservedByNumber は指定時刻に有効な予約を持つ番号を検索する。
func (r memoryNumberRepo) FindReservedByNumber(ctx context.Context, number string, now time.Time) (*model.NumberRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.byNumber[number]
	if !ok {
		return nil, nil
	}
	n := r.s.numbers[id]
	if n.HolderAt(now) == nil {
		return nil, nil
	}
	return copyNumber(n), nil
}

// CountReservedByHolder は保持者が保持している番号の数を返す。
func (r memoryNumberRepo) CountReservedByHolder(ctx context.Context, holderID int64, now time.Time) (int, error) {
	held, _ := r.ListReservedByHolder(ctx, holderID, now)
	return len(held), nil
}

// ListReservedByHolder は保持者が保持している番号を返す。
func (r memoryNumberRepo) ListReservedByHolder(ctx context.Context, holderID int64, now time.Time) ([]*model.NumberRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.NumberRecord
	for _, n := range r.s.numbers {
		if n.IsHeldBy(holderID, now) {
			out = append(out, copyNumber(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedUntil.Before(*out[j].ReservedUntil) })
	return out, nil
}

// --- OTPRepository ---

type memoryOTPRepo struct{ s *MemoryStore }

// Create はOTPを作成する。
func (r memoryOTPRepo) Create(ctx context.Context, otp *model.OTPRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if otp.ID == "" {
		otp.ID = uuid.NewString()
	}
	if otp.CreatedAt.IsZero() {
		otp.CreatedAt = time.Now()
	}
	r.s.otps = append(r.s.otps, copyOTP(otp))
	return nil
}

// ExistsByDedupKey は since 以降に受信した同一キーのOTPが存在するかを返す。
func (r memoryOTPRepo) ExistsByDedupKey(ctx context.Context, dedupKey string, since time.Time) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, o := range r.s.otps {
		if o.DedupKey == dedupKey && !o.ReceivedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// MarkDelivered はOTPを配送済みにする。
func (r memoryOTPRepo) MarkDelivered(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.otps {
		if o.ID == id {
			o.Delivered = true
			return nil
		}
	}
	return nil
}

// ListByHolder は保持者宛てのOTPを受信日時の降順で返す。
func (r memoryOTPRepo) ListByHolder(ctx context.Context, holderID int64, limit int) ([]*model.OTPRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.OTPRecord
	for _, o := range r.s.otps {
		if o.HolderID != nil && *o.HolderID == holderID {
			out = append(out, copyOTP(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteOlderThan は before より前に作成されたOTPを削除する。
func (r memoryOTPRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.otps[:0]
	var deleted int64
	for _, o := range r.s.otps {
		if o.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, o)
	}
	r.s.otps = kept
	return deleted, nil
}

// --- UserRepository ---

type memoryUserRepo struct{ s *MemoryStore }

// FindByID は指定IDの利用者を取得する。
func (r memoryUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// Upsert は利用者を作成または表示名を更新する。
func (r memoryUserRepo) Upsert(ctx context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.users[user.ID]; ok {
		u.DisplayName = user.DisplayName
		u.IsOperator = user.IsOperator
		return nil
	}
	cp := *user
	cp.OTPsReceived = 0
	cp.NumbersUsed = 0
	if cp.JoinedAt.IsZero() {
		cp.JoinedAt = time.Now()
	}
	r.s.users[user.ID] = &cp
	return nil
}

// IncrementOTPsReceived は受信OTP数を1増やす。
func (r memoryUserRepo) IncrementOTPsReceived(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.ensureUser(id).OTPsReceived++
	return nil
}

// IncrementNumbersUsed は利用番号数を1増やす。
func (r memoryUserRepo) IncrementNumbersUsed(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.ensureUser(id).NumbersUsed++
	return nil
}

// ensureUser はロック保持中に呼び出すこと。
func (r memoryUserRepo) ensureUser(id int64) *model.User {
	u, ok := r.s.users[id]
	if !ok {
		u = &model.User{ID: id, JoinedAt: time.Now()}
		r.s.users[id] = u
	}
	return u
}

// --- StatsRepository ---

type memoryStatsRepo struct{ s *MemoryStore }

// GetStats は各テーブルの件数を集計する。
func (r memoryStatsRepo) GetStats(ctx context.Context, now time.Time) (*model.Stats, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	st := &model.Stats{
		Numbers: len(r.s.numbers),
		OTPs:    len(r.s.otps),
		Users:   len(r.s.users),
	}
	for _, c := range r.s.countries {
		if c.Active {
			st.Countries++
		}
	}
	for _, n := range r.s.numbers {
		switch {
		case n.Status == model.NumberStatusAvailable:
			st.AvailableNumbers++
		case n.HolderAt(now) != nil:
			st.ReservedNumbers++
		}
	}
	return st, nil
}

var (
	_ CountryRepository = memoryCountryRepo{}
	_ NumberRepository  = memoryNumberRepo{}
	_ OTPRepository     = memoryOTPRepo{}
	_ UserRepository    = memoryUserRepo{}
	_ StatsRepository   = memoryStatsRepo{}
)
