// Package model はドメインモデルを定義する。
package model

import "time"

// Country はパネル上の国を表す。
// 同期のたびに丸ごと上書きされる。
type Country struct {
	Code        string
	Name        string
	Flag        string
	NumberCount int
	Active      bool
	UpdatedAt   time.Time
}

// NumberStatus は番号の割り当て状態を表す。
type NumberStatus string

const (
	// NumberStatusAvailable は誰にも割り当てられていない状態。
	NumberStatusAvailable NumberStatus = "available"
	// NumberStatusReserved は利用者が期限付きで保持している状態。
	NumberStatusReserved NumberStatus = "reserved"
	// NumberStatusBusy はパネル側で使用中の状態。
	NumberStatusBusy NumberStatus = "busy"
)

// NumberRecord はSMS受信用の電話番号を表す。
// Status が reserved のとき ReservedBy と ReservedUntil は必ず設定され、
// available のときは両方とも nil である。
type NumberRecord struct {
	ID            string
	Number        string
	CountryCode   string
	CountryName   string
	Service       string
	Range         string
	Status        NumberStatus
	ReservedBy    *int64
	ReservedUntil *time.Time
	AddedAt       time.Time
	UpdatedAt     time.Time
}

// IsHeldBy は番号が指定時刻において holderID に保持されているかを返す。
func (n *NumberRecord) IsHeldBy(holderID int64, now time.Time) bool {
	h := n.HolderAt(now)
	return h != nil && *h == holderID
}

// HolderAt は指定時刻における保持者を返す。期限切れや未予約の場合は nil。
func (n *NumberRecord) HolderAt(now time.Time) *int64 {
	if n.Status != NumberStatusReserved || n.ReservedBy == nil || n.ReservedUntil == nil {
		return nil
	}
	if !n.ReservedUntil.After(now) {
		return nil
	}
	return n.ReservedBy
}

// ReservableAt は指定時刻に予約可能かを返す。
// 期限切れの予約はスイープ前でも予約可能として扱う。
func (n *NumberRecord) ReservableAt(now time.Time) bool {
	switch n.Status {
	case NumberStatusAvailable:
		return true
	case NumberStatusReserved:
		return n.ReservedUntil == nil || !n.ReservedUntil.After(now)
	default:
		return false
	}
}

// Stats は管理者向けの統計情報を表す。
type Stats struct {
	Countries        int
	Numbers          int
	AvailableNumbers int
	ReservedNumbers  int
	OTPs             int
	Users            int
}
