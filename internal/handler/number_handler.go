package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/smsrelay/internal/middleware"
	"github.com/hitoshi/smsrelay/internal/model"
	"github.com/hitoshi/smsrelay/internal/reservation"
)

// AllocationService は番号の割り当てと解放のインターフェース。
type AllocationService interface {
	// Allocate は保持上限を確認したうえで番号を予約する。
	Allocate(ctx context.Context, holderID int64, numberID string) (*model.NumberRecord, error)
	// Release は保持者本人の番号のみ解放する。
	Release(ctx context.Context, holderID int64, numberID string) error
	// Held は保持者が現在保持している番号を返す。
	Held(ctx context.Context, holderID int64) ([]*model.NumberRecord, error)
}

// ReservationAdmin は保持者を問わず番号を解放するインターフェース。
type ReservationAdmin interface {
	Release(ctx context.Context, numberID string) error
}

var _ ReservationAdmin = (*reservation.Manager)(nil)

// NumberHandler は番号予約のHTTPハンドラー。
type NumberHandler struct {
	allocation   AllocationService
	reservations ReservationAdmin
	logger       *slog.Logger
}

// NewNumberHandler はNumberHandlerを生成する。
func NewNumberHandler(allocation AllocationService, reservations ReservationAdmin, logger *slog.Logger) *NumberHandler {
	return &NumberHandler{allocation: allocation, reservations: reservations, logger: logger}
}

type holderRequest struct {
	HolderID int64 `json:"holder_id"`
}

type numberResponse struct {
	ID            string     `json:"id"`
	Number        string     `json:"number"`
	CountryCode   string     `json:"country_code"`
	CountryName   string     `json:"country_name"`
	Service       string     `json:"service"`
	Range         string     `json:"range"`
	Status        string     `json:"status"`
	ReservedBy    *int64     `json:"reserved_by,omitempty"`
	ReservedUntil *time.Time `json:"reserved_until,omitempty"`
}

func toNumberResponse(n *model.NumberRecord) numberResponse {
	return numberResponse{
		ID:            n.ID,
		Number:        n.Number,
		CountryCode:   n.CountryCode,
		CountryName:   n.CountryName,
		Service:       n.Service,
		Range:         n.Range,
		Status:        string(n.Status),
		ReservedBy:    n.ReservedBy,
		ReservedUntil: n.ReservedUntil,
	}
}

func (h *NumberHandler) decodeHolder(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req holderRequest
	if !decodeJSON(w, r, &req) {
		return 0, false
	}
	if req.HolderID <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("holder_id が不正です"))
		return 0, false
	}
	return req.HolderID, true
}

// Reserve は番号を保持者のために予約する。
// POST /api/numbers/{id}/reserve
func (h *NumberHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	numberID := chi.URLParam(r, "id")
	holderID, ok := h.decodeHolder(w, r)
	if !ok {
		return
	}

	rec, err := h.allocation.Allocate(r.Context(), holderID, numberID)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toNumberResponse(rec))
}

// Release は保持者の番号を解放する。
// POST /api/numbers/{id}/release
func (h *NumberHandler) Release(w http.ResponseWriter, r *http.Request) {
	numberID := chi.URLParam(r, "id")
	holderID, ok := h.decodeHolder(w, r)
	if !ok {
		return
	}

	if err := h.allocation.Release(r.Context(), holderID, numberID); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ForceRelease は保持者に関係なく番号を解放する。
// POST /api/numbers/{id}/force-release
func (h *NumberHandler) ForceRelease(w http.ResponseWriter, r *http.Request) {
	numberID := chi.URLParam(r, "id")
	if err := h.reservations.Release(r.Context(), numberID); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	h.logger.Info("オペレーターが番号を強制解放しました", slog.String("number_id", numberID))
	w.WriteHeader(http.StatusNoContent)
}
