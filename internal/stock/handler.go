package stock

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/synapse-hrrp/synapse-stock/internal/catalog"
	"github.com/synapse-hrrp/synapse-stock/internal/platform/httpx"
	"github.com/synapse-hrrp/synapse-stock/internal/shared"
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/lots", func(r chi.Router) {
		r.Post("/", h.handleReceive)
		r.Get("/", h.handleListLots)
		r.Route("/{lotID}", func(r chi.Router) {
			r.Get("/", h.handleGetLot)
			r.Get("/statement", h.handleStatement)
			r.Post("/adjust", h.handleAdjust)
			r.Post("/return", h.handleReturn)
			r.Post("/transfer", h.handleTransfer)
			r.Post("/quarantine", h.handleQuarantine)
			r.Post("/unquarantine", h.handleUnquarantine)
			r.Post("/dispose", h.handleDispose)
			r.Post("/resolve-drift", h.handleResolveDrift)
		})
	})
	r.Post("/consumptions", h.handleConsume)
	r.Get("/movements", h.handleListMovements)
	r.Get("/reagents/{reagentID}/stock", h.handleReagentStock)
	r.Get("/reports/expiring", h.handleExpiring)
	r.Post("/reconcile", h.handleReconcile)
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveLotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := ReceiveLotInput{
		ReagentID:  req.ReagentID,
		LotCode:    req.LotCode,
		Quantity:   req.Quantity,
		LocationID: req.LocationID,
		UnitCost:   req.UnitCost,
		Opening:    req.Opening,
		Reference:  req.Reference,
		Notes:      req.Notes,
		ActorID:    shared.ActorFromContext(r.Context()),
	}
	if req.ReceivedAt != nil {
		input.ReceivedAt = *req.ReceivedAt
	}
	if req.ExpiryDate != "" {
		expiry, err := time.Parse(dateLayout, req.ExpiryDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expiry_date must be YYYY-MM-DD")
			return
		}
		input.ExpiryDate = &expiry
	}

	lot, err := h.service.ReceiveLot(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLotResponse(lot))
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.ConsumeFEFO(r.Context(), ConsumeInput{
		ReagentID:  req.ReagentID,
		Quantity:   req.Quantity,
		LocationID: req.LocationID,
		Reference:  req.Reference,
		Notes:      req.Notes,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, consumeResponse{
		Reference: result.Reference,
		Movements: toMovementResponses(result.Movements),
		Remaining: result.Remaining,
	})
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	lot, movement, err := h.service.Adjust(r.Context(), AdjustInput{
		LotID:     lotID,
		Quantity:  req.Quantity,
		UnitCost:  req.UnitCost,
		Reference: req.Reference,
		Notes:     req.Notes,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotMovementResponse{Lot: toLotResponse(lot), Movement: toMovementResponse(movement)})
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	lot, movement, err := h.service.Return(r.Context(), ReturnInput{
		LotID:     lotID,
		Quantity:  req.Quantity,
		Reference: req.Reference,
		Notes:     req.Notes,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotMovementResponse{Lot: toLotResponse(lot), Movement: toMovementResponse(movement)})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.Transfer(r.Context(), TransferInput{
		LotID:        lotID,
		ToLocationID: req.ToLocationID,
		Quantity:     req.Quantity,
		Reference:    req.Reference,
		Notes:        req.Notes,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := transferResponse{
		Reference: result.Reference,
		SourceLot: toLotResponse(result.SourceLot),
		Movements: toMovementResponses(result.Movements),
	}
	if result.DestLot != nil {
		dest := toLotResponse(*result.DestLot)
		resp.DestLot = &dest
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	lot, err := h.service.Quarantine(r.Context(), lotID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) handleUnquarantine(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	lot, err := h.service.Unquarantine(r.Context(), lotID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) handleDispose(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	// Reason is optional, so a bodyless dispose is valid.
	var req disposeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	lot, movement, err := h.service.Dispose(r.Context(), lotID, req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotMovementResponse{Lot: toLotResponse(lot), Movement: toMovementResponse(movement)})
}

func (h *Handler) handleResolveDrift(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	lot, err := h.service.ResolveDrift(r.Context(), lotID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetLot(r.Context(), lotID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotViewResponse(view))
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LotFilter{
		ReagentID:  queryInt64(q.Get("reagent_id")),
		LocationID: queryInt64(q.Get("location_id")),
		Status:     LotStatus(q.Get("status")),
		Page:       int(queryInt64(q.Get("page"))),
		PerPage:    int(queryInt64(q.Get("per_page"))),
	}
	views, pagination, err := h.service.ListLots(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"lots":       toLotResponses(views),
		"pagination": pagination,
	})
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{
		ReagentID:  queryInt64(q.Get("reagent_id")),
		LotID:      queryInt64(q.Get("lot_id")),
		LocationID: queryInt64(q.Get("location_id")),
		Type:       MovementType(q.Get("type")),
		Reference:  q.Get("reference"),
		Page:       int(queryInt64(q.Get("page"))),
		PerPage:    int(queryInt64(q.Get("per_page"))),
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be RFC3339")
			return
		}
		filter.To = t
	}

	movements, pagination, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"movements":  toMovementResponses(movements),
		"pagination": pagination,
	})
}

func (h *Handler) handleStatement(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from := time.Time{}
	to := time.Now().UTC()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be RFC3339")
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be RFC3339")
			return
		}
		to = t
	}
	limit := int(queryInt64(q.Get("limit")))

	entries, err := h.service.LotStatement(r.Context(), lotID, from, to, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleReagentStock(w http.ResponseWriter, r *http.Request) {
	reagentID, err := strconv.ParseInt(chi.URLParam(r, "reagentID"), 10, 64)
	if err != nil || reagentID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid reagent id")
		return
	}
	stockView, err := h.service.ReagentStock(r.Context(), reagentID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockView)
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	days := queryInt64(r.URL.Query().Get("within_days"))
	if days <= 0 {
		days = 30
	}
	views, err := h.service.ExpiringLots(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lots": toLotResponses(views)})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ReconcileAll(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := reconcileResponse{CheckedLots: report.CheckedLots, Drifts: make([]driftPayload, 0, len(report.Drifts))}
	for _, d := range report.Drifts {
		resp.Drifts = append(resp.Drifts, driftPayload{LotID: d.LotID, CachedQty: d.CachedQty, LedgerQty: d.LedgerQty})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) lotID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	var integrity *LedgerIntegrityError

	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock",
			fmt.Sprintf("requested %s but only %s available", insufficient.Requested, insufficient.Available))
	case errors.As(err, &integrity):
		h.logger.Error("ledger integrity violation", slog.Int64("lot_id", integrity.LotID), slog.String("error", err.Error()))
		httpx.Problem(w, http.StatusInternalServerError, "Ledger Integrity Error", integrity.Error())
	case errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Quantity", err.Error())
	case errors.Is(err, ErrDuplicateLotCode):
		httpx.Problem(w, http.StatusConflict, "Duplicate Lot Code", err.Error())
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyDisposed),
		errors.Is(err, ErrSameLocation),
		errors.Is(err, ErrLotBlocked):
		httpx.Problem(w, http.StatusConflict, "Invalid Operation", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrency Conflict", "operation conflicted with a concurrent update, retry")
	case errors.Is(err, catalog.ErrStorageMismatch):
		httpx.Problem(w, http.StatusConflict, "Storage Mismatch", err.Error())
	case errors.Is(err, ErrLotNotFound),
		errors.Is(err, catalog.ErrReagentNotFound),
		errors.Is(err, catalog.ErrLocationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		httpx.RespondError(w, err)
	}
}

func queryInt64(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, _ := strconv.ParseInt(raw, 10, 64)
	return v
}
