// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// 利用者に表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, reservation, captcha, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNumberNotFound     = "NUMBER_NOT_FOUND"
	ErrCodeNumberNotAvailable = "NUMBER_NOT_AVAILABLE"
	ErrCodeReservationLimit   = "RESERVATION_LIMIT"
	ErrCodeForbiddenRelease   = "FORBIDDEN_RELEASE"
	ErrCodeChallengeNotFound  = "CHALLENGE_NOT_FOUND"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeUnknownJob         = "UNKNOWN_JOB"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// IsAPIErrorCode はerrがAPIErrorであり、指定されたコードを持つかを返す。
func IsAPIErrorCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewNumberNotFoundError は番号未検出エラーを生成する。
func NewNumberNotFoundError(numberID string) *APIError {
	return &APIError{
		Code:     ErrCodeNumberNotFound,
		Message:  fmt.Sprintf("指定された番号が見つかりません: %s", numberID),
		Category: "reservation",
		Action:   "番号一覧を更新してから再度選択してください。",
	}
}

// NewNumberNotAvailableError は番号が予約可能でない場合のエラーを生成する。
func NewNumberNotAvailableError(numberID string) *APIError {
	return &APIError{
		Code:     ErrCodeNumberNotAvailable,
		Message:  fmt.Sprintf("指定された番号は現在利用できません: %s", numberID),
		Category: "reservation",
		Action:   "別の番号を選択するか、しばらく待ってから再度お試しください。",
	}
}

// NewReservationLimitError は保持数上限エラーを生成する。
func NewReservationLimitError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeReservationLimit,
		Message:  fmt.Sprintf("同時に保持できる番号の上限（%d件）に達しています。", limit),
		Category: "reservation",
		Action:   "不要な番号を解放してから、新しい番号を取得してください。",
	}
}

// NewForbiddenReleaseError は保持者以外が解放しようとした場合のエラーを生成する。
func NewForbiddenReleaseError(numberID string) *APIError {
	return &APIError{
		Code:     ErrCodeForbiddenRelease,
		Message:  fmt.Sprintf("この番号を解放する権限がありません: %s", numberID),
		Category: "reservation",
		Action:   "自分が保持している番号のみ解放できます。",
	}
}

// NewChallengeNotFoundError はCAPTCHAチャレンジが存在しないか解決済みの場合のエラーを生成する。
func NewChallengeNotFoundError(challengeID string) *APIError {
	return &APIError{
		Code:     ErrCodeChallengeNotFound,
		Message:  fmt.Sprintf("CAPTCHAチャレンジが見つからないか、既に解決済みです: %s", challengeID),
		Category: "captcha",
		Action:   "保留中のチャレンジ一覧を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// NewUnauthorizedError はオペレータートークンが不正な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "オペレーター認証に失敗しました。",
		Category: "auth",
		Action:   "X-Operator-Token ヘッダーに正しいトークンを指定してください。",
	}
}

// NewUnknownJobError は存在しないジョブ名が指定された場合のエラーを生成する。
func NewUnknownJobError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownJob,
		Message:  fmt.Sprintf("ジョブが見つかりません: %s", name),
		Category: "system",
		Action:   "ジョブ名を確認してください。",
	}
}

// NewRateLimitedError はリクエスト過多のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-After ヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
