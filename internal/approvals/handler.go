package approvals

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockledger/stockledger/internal/platform/httpx"
	"github.com/stockledger/stockledger/internal/shared"
)

// Handler wires HTTP endpoints for the approval workflow.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the approvals handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers approval routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleListPending)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/reject", h.handleReject)
	r.Post("/{id}/cancel", h.handleCancel)
}

type reviewRequest struct {
	Comment string `json:"comment"`
}

type requestView struct {
	ID             int64  `json:"id"`
	EntityType     string `json:"entity_type"`
	Status         string `json:"status"`
	RequesterID    int64  `json:"requester_id,omitempty"`
	ReviewerID     *int64 `json:"reviewer_id,omitempty"`
	RequestComment string `json:"request_comment,omitempty"`
	ReviewComment  string `json:"review_comment,omitempty"`
	Summary        any    `json:"summary,omitempty"`
	RequestedAt    string `json:"requested_at"`
	ReviewedAt     string `json:"reviewed_at,omitempty"`
	ExecutedAt     string `json:"executed_at,omitempty"`
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	requests, err := h.service.ListPending(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]requestView, 0, len(requests))
	for _, request := range requests {
		views = append(views, toRequestView(request))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": views})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "request id must be numeric")
		return
	}
	request, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRequestView(request))
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "request id must be numeric")
		return
	}
	var req reviewRequest
	_ = httpx.DecodeJSON(r, &req)
	actor := shared.ActorFromContext(r.Context())
	result, err := h.service.Approve(r.Context(), actor, id, req.Comment)
	if err != nil {
		h.logger.Warn("approve failed", slog.Int64("request_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if result.AlreadyApproved {
		httpx.JSON(w, http.StatusOK, map[string]any{
			"status":  "already_approved",
			"request": toRequestView(result.Request),
		})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"status":  "approved",
		"request": toRequestView(result.Request),
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "request id must be numeric")
		return
	}
	var req reviewRequest
	_ = httpx.DecodeJSON(r, &req)
	actor := shared.ActorFromContext(r.Context())
	request, err := h.service.Reject(r.Context(), actor, id, req.Comment)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "rejected", "request": toRequestView(request)})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "request id must be numeric")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	request, err := h.service.Cancel(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "cancelled", "request": toRequestView(request)})
}

func requestID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func toRequestView(request Request) requestView {
	view := requestView{
		ID:             request.ID,
		EntityType:     string(request.EntityType),
		Status:         string(request.Status),
		RequesterID:    request.RequesterID,
		ReviewerID:     request.ReviewerID,
		RequestComment: request.RequestComment,
		ReviewComment:  request.ReviewComment,
		Summary:        request.Summary,
		RequestedAt:    request.RequestedAt.UTC().Format(time.RFC3339),
	}
	if request.ReviewedAt != nil {
		view.ReviewedAt = request.ReviewedAt.UTC().Format(time.RFC3339)
	}
	if request.ExecutedAt != nil {
		view.ExecutedAt = request.ExecutedAt.UTC().Format(time.RFC3339)
	}
	return view
}
