// Package handler はオペレーター向けHTTP APIを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/smsrelay/internal/middleware"
	"github.com/hitoshi/smsrelay/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	OperatorToken string
	RateLimiter   *middleware.RateLimiter

	// ヘルスチェックとメトリクス。nilの場合は省略する
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 状態表示
	Stats StatsProvider
	Jobs  JobController
	Panel PanelState

	// 同期ジョブ名（POST /api/sync で起動する）
	SyncJobName string

	// CAPTCHA
	Challenges ChallengeService

	// 予約
	Allocation   AllocationService
	Reservations ReservationAdmin

	// OTP
	OTPs OTPLister
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → Operator → RateLimit(General)
//
// /health と /metrics はオペレーター認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	statusHandler := NewStatusHandler(deps.HealthChecker, deps.Stats, deps.Jobs, deps.Panel, deps.Challenges, deps.SyncJobName, deps.Logger)
	captchaHandler := NewCaptchaHandler(deps.Challenges)
	numberHandler := NewNumberHandler(deps.Allocation, deps.Reservations, deps.Logger)
	userHandler := NewUserHandler(deps.Allocation, deps.OTPs, deps.Logger)

	// --- 認証不要のルート ---
	r.Get("/health", statusHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- オペレーター認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOperatorMiddleware(deps.OperatorToken, deps.Logger))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Get("/api/status", statusHandler.Status)
		r.Post("/api/sync", statusHandler.TriggerSync)
		r.Delete("/api/panel/session", statusHandler.ResetPanelSession)

		r.Route("/api/captcha", func(r chi.Router) {
			r.Get("/", captchaHandler.ListPending)
			r.Post("/{id}", captchaHandler.Submit)
		})

		r.Route("/api/numbers/{id}", func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.ReservationMiddleware())
			}
			r.Post("/reserve", numberHandler.Reserve)
			r.Post("/release", numberHandler.Release)
			if deps.Reservations != nil {
				r.Post("/force-release", numberHandler.ForceRelease)
			}
		})

		r.Route("/api/users/{id}", func(r chi.Router) {
			r.Get("/numbers", userHandler.ListNumbers)
			r.Get("/otps", userHandler.ListOTPs)
		})
	})

	return r
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをJSONとして読み込む。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}
