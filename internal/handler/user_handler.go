package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/smsrelay/internal/middleware"
	"github.com/hitoshi/smsrelay/internal/model"
)

const (
	defaultOTPLimit = 20
	maxOTPLimit     = 100
)

// OTPLister は保持者宛てのOTP一覧を返すインターフェース。
type OTPLister interface {
	ListByHolder(ctx context.Context, holderID int64, limit int) ([]*model.OTPRecord, error)
}

// UserHandler は利用者ごとの保持番号とOTP履歴のHTTPハンドラー。
type UserHandler struct {
	allocation AllocationService
	otps       OTPLister
	logger     *slog.Logger
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(allocation AllocationService, otps OTPLister, logger *slog.Logger) *UserHandler {
	return &UserHandler{allocation: allocation, otps: otps, logger: logger}
}

type otpResponse struct {
	ID         string    `json:"id"`
	Number     string    `json:"number"`
	Code       string    `json:"code"`
	Service    string    `json:"service"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
	Delivered  bool      `json:"delivered"`
}

func parseHolderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("利用者IDが不正です"))
		return 0, false
	}
	return id, true
}

// ListNumbers は利用者が現在保持している番号を返す。
// GET /api/users/{id}/numbers
func (h *UserHandler) ListNumbers(w http.ResponseWriter, r *http.Request) {
	holderID, ok := parseHolderID(w, r)
	if !ok {
		return
	}

	numbers, err := h.allocation.Held(r.Context(), holderID)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	resp := make([]numberResponse, 0, len(numbers))
	for _, n := range numbers {
		resp = append(resp, toNumberResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListOTPs は利用者宛てのOTPを新しい順に返す。
// GET /api/users/{id}/otps?limit=20
func (h *UserHandler) ListOTPs(w http.ResponseWriter, r *http.Request) {
	holderID, ok := parseHolderID(w, r)
	if !ok {
		return
	}

	limit := defaultOTPLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit が不正です"))
			return
		}
		limit = min(n, maxOTPLimit)
	}

	otps, err := h.otps.ListByHolder(r.Context(), holderID, limit)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	resp := make([]otpResponse, 0, len(otps))
	for _, o := range otps {
		resp = append(resp, otpResponse{
			ID:         o.ID,
			Number:     o.Number,
			Code:       o.Code,
			Service:    o.Service,
			Message:    o.Message,
			ReceivedAt: o.ReceivedAt,
			Delivered:  o.Delivered,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
