package panel

import (
	"context"
	"time"
)

// FetchResult はHTTPステータスコードに基づくパネル取得結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultUnauthenticated はセッション切れを示すステータス（401/403）。
	FetchResultUnauthenticated
	// FetchResultStop はリトライしても回復しないステータス（404/410）。
	FetchResultStop
	// FetchResultBackoff はリトライ対象のステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialRetryDelay はリトライの初回待ち時間。
	initialRetryDelay = 500 * time.Millisecond
	// maxRetryDelay はリトライ待ち時間の上限。
	maxRetryDelay = 5 * time.Second
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == 401 || statusCode == 403:
		return FetchResultUnauthenticated
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は試行回数に基づいてリトライ待ち時間を計算する。
// base から2倍ずつ増加し、maxRetryDelay で頭打ちになる。
func CalculateBackoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// sleepContext は d だけ待機する。ctx がキャンセルされた場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
