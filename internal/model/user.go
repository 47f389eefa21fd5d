package model

import "time"

// User は番号の予約者および通知先となる利用者を表す。
// IDはメッセージングプラットフォーム上のユーザーIDをそのまま使う。
type User struct {
	ID           int64
	DisplayName  string
	IsOperator   bool
	OTPsReceived int
	NumbersUsed  int
	JoinedAt     time.Time
}
