package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/smsrelay/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate      rate.Limit    // オペレーターAPI全般のレート（req/sec）
	GeneralBurst     int           // オペレーターAPI全般のバーストサイズ
	ReservationRate  rate.Limit    // 予約・解放のレート（req/sec）
	ReservationBurst int           // 予約・解放のバーストサイズ
	CleanupInterval  time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// オペレーターAPI全般 120 req/min/client、予約・解放 30 req/min/client。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:      rate.Limit(120.0 / 60.0),
		GeneralBurst:     120,
		ReservationRate:  rate.Limit(30.0 / 60.0),
		ReservationBurst: 30,
		CleanupInterval:  5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は同一設定のクライアント別リミッターの集合。
type limiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
	}
}

func (s *limiterSet) get(client string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cl, ok := s.limiters[client]; ok {
		cl.lastAccess = now
		return cl.limiter
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.limiters[client] = &clientLimiter{limiter: l, lastAccess: now}
	return l
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *limiterSet) evict(ttl time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client, cl := range s.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(s.limiters, client)
		}
	}
}

// RateLimiter はクライアントごとのレート制限を管理する。
// オペレーターAPI全般と予約・解放の2種類を提供する。
type RateLimiter struct {
	config      RateLimiterConfig
	logger      *slog.Logger
	general     *limiterSet
	reservation *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:      config,
		logger:      logger,
		general:     newLimiterSet(config.GeneralRate, config.GeneralBurst),
		reservation: newLimiterSet(config.ReservationRate, config.ReservationBurst),
		stopCh:      make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はオペレーターAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general")
}

// ReservationMiddleware は予約・解放専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) ReservationMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.reservation, "reservation")
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

func (rl *RateLimiter) middleware(set *limiterSet, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, ok := ClientFromContext(r.Context())
			if !ok {
				client = clientIP(r)
			}

			if !set.get(client, time.Now()).Allow() {
				writeRateLimitResponse(w, set.limit)
				rl.logger.Warn("rate limit exceeded",
					slog.String("client", client),
					slog.String("limit_type", limitType),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evict(ttl, now)
	rl.reservation.evict(ttl, now)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
