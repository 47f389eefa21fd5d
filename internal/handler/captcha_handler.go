package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/smsrelay/internal/captcha"
	"github.com/hitoshi/smsrelay/internal/middleware"
	"github.com/hitoshi/smsrelay/internal/model"
)

// ChallengeService は保留中CAPTCHAの取得と回答のインターフェース。
type ChallengeService interface {
	Pending() []captcha.Challenge
	Submit(challengeID, solution string) bool
}

var _ ChallengeService = (*captcha.Resolver)(nil)

// CaptchaHandler はCAPTCHA回答のHTTPハンドラー。
type CaptchaHandler struct {
	challenges ChallengeService
}

// NewCaptchaHandler はCaptchaHandlerを生成する。
func NewCaptchaHandler(challenges ChallengeService) *CaptchaHandler {
	return &CaptchaHandler{challenges: challenges}
}

type challengeResponse struct {
	ID        string    `json:"id"`
	Challenge string    `json:"challenge"`
	CreatedAt time.Time `json:"created_at"`
}

type submitSolutionRequest struct {
	Solution string `json:"solution"`
}

// ListPending は回答待ちのCAPTCHAを古い順に返す。
// GET /api/captcha
func (h *CaptchaHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending := h.challenges.Pending()
	resp := make([]challengeResponse, 0, len(pending))
	for _, c := range pending {
		resp = append(resp, challengeResponse{ID: c.ID, Challenge: c.RawText, CreatedAt: c.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Submit はCAPTCHAの回答を受け付ける。回答は1チャレンジにつき1回のみ有効。
// POST /api/captcha/{id}
func (h *CaptchaHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req submitSolutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Solution) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("solution が空です"))
		return
	}

	if !h.challenges.Submit(id, req.Solution) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewChallengeNotFoundError(id))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
