package model

import "time"

// OTPSource はOTPの取得元。
const OTPSourcePanel = "panel"

// OTPRecord はパネルで観測されたワンタイムパスコードを表す。
// 作成後は Delivered 以外変更されない。
type OTPRecord struct {
	ID         string
	Number     string
	Code       string
	Service    string
	Message    string
	HolderID   *int64
	ReceivedAt time.Time
	Source     string
	Delivered  bool
	DedupKey   string
	CreatedAt  time.Time
}
