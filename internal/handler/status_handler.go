package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/smsrelay/internal/middleware"
	"github.com/hitoshi/smsrelay/internal/model"
	"github.com/hitoshi/smsrelay/internal/panel"
	"github.com/hitoshi/smsrelay/internal/worker/schedule"
)

// HealthChecker はDB接続確認のインターフェース。*sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// StatsProvider は統計情報を返すインターフェース。
type StatsProvider interface {
	GetStats(ctx context.Context, now time.Time) (*model.Stats, error)
}

// JobController は定期ジョブの状態取得と即時実行のインターフェース。
type JobController interface {
	Trigger(name string) error
	Status() []schedule.JobStatus
}

// PanelState はパネルセッションの確認と破棄のインターフェース。
type PanelState interface {
	HasSession() bool
	// Invalidate は現在のセッションを破棄し、次の取得で再認証させる。
	Invalidate()
}

var _ PanelState = (*panel.Client)(nil)

// StatusHandler はヘルスチェックと稼働状況のHTTPハンドラー。
type StatusHandler struct {
	health      HealthChecker
	stats       StatsProvider
	jobs        JobController
	panel       PanelState
	challenges  ChallengeService
	syncJobName string
	logger      *slog.Logger
}

// NewStatusHandler はStatusHandlerを生成する。
func NewStatusHandler(
	health HealthChecker,
	stats StatsProvider,
	jobs JobController,
	panelState PanelState,
	challenges ChallengeService,
	syncJobName string,
	logger *slog.Logger,
) *StatusHandler {
	return &StatusHandler{
		health:      health,
		stats:       stats,
		jobs:        jobs,
		panel:       panelState,
		challenges:  challenges,
		syncJobName: syncJobName,
		logger:      logger,
	}
}

type statsResponse struct {
	Countries        int `json:"countries"`
	Numbers          int `json:"numbers"`
	AvailableNumbers int `json:"available_numbers"`
	ReservedNumbers  int `json:"reserved_numbers"`
	OTPs             int `json:"otps"`
	Users            int `json:"users"`
}

type jobResponse struct {
	Name      string     `json:"name"`
	Interval  string     `json:"interval"`
	Running   bool       `json:"running"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
	Skipped   int64      `json:"skipped"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type statusResponse struct {
	Stats             statsResponse `json:"stats"`
	PanelSession      bool          `json:"panel_session"`
	PendingChallenges int           `json:"pending_challenges"`
	Jobs              []jobResponse `json:"jobs"`
}

// Health はプロセスとDBの稼働を確認する。
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.health.PingContext(ctx); err != nil {
			h.logger.Error("ヘルスチェックでDB接続に失敗しました", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status は在庫統計とジョブの稼働状況を返す。
// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.GetStats(r.Context(), time.Now())
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	resp := statusResponse{
		Stats: statsResponse{
			Countries:        stats.Countries,
			Numbers:          stats.Numbers,
			AvailableNumbers: stats.AvailableNumbers,
			ReservedNumbers:  stats.ReservedNumbers,
			OTPs:             stats.OTPs,
			Users:            stats.Users,
		},
		Jobs: []jobResponse{},
	}
	if h.panel != nil {
		resp.PanelSession = h.panel.HasSession()
	}
	if h.challenges != nil {
		resp.PendingChallenges = len(h.challenges.Pending())
	}
	if h.jobs != nil {
		for _, st := range h.jobs.Status() {
			jr := jobResponse{
				Name:      st.Name,
				Interval:  st.Interval.String(),
				Running:   st.Running,
				Runs:      st.Runs,
				Failures:  st.Failures,
				Skipped:   st.Skipped,
				LastError: st.LastError,
			}
			if !st.LastRunAt.IsZero() {
				t := st.LastRunAt
				jr.LastRunAt = &t
			}
			resp.Jobs = append(resp.Jobs, jr)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// TriggerSync は在庫同期ジョブを即時実行する。実行は非同期で、完了を待たない。
// POST /api/sync
func (h *StatusHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Trigger(h.syncJobName); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ResetPanelSession はパネルセッションを破棄する。次回の取得時に再ログインする。
// DELETE /api/panel/session
func (h *StatusHandler) ResetPanelSession(w http.ResponseWriter, r *http.Request) {
	if h.panel != nil {
		h.panel.Invalidate()
		h.logger.Info("オペレーターの操作でパネルセッションを破棄しました")
	}
	w.WriteHeader(http.StatusNoContent)
}
