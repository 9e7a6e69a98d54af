// Package handlers contains the HTTP handlers of the operational API.
//
// Callers are authenticated upstream; the gateway forwards the caller's user
// ID in the X-User-ID header.
package handlers

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"deadswitch/internal/checkin"
	"deadswitch/internal/core"
	"deadswitch/internal/types"
)

// UserIDHeader carries the authenticated caller.
const UserIDHeader = "X-User-ID"

// CheckInService is the use case behind the handler.
type CheckInService interface {
	CheckIn(ctx context.Context, in checkin.Input) (*types.CheckIn, *types.Switch, error)
	List(ctx context.Context, switchID, userID string, limit int) ([]*types.CheckIn, error)
}

// CheckInRequest is the optional body of POST /v1/switches/{switchID}/check-ins.
type CheckInRequest struct {
	Location string `json:"location,omitempty" validate:"max=255"`
	Notes    string `json:"notes,omitempty" validate:"max=2000"`
}

// CheckInResponse reports the recorded check-in and the new deadline.
type CheckInResponse struct {
	CheckIn        *types.CheckIn     `json:"check_in"`
	SwitchID       string             `json:"switch_id"`
	Status         types.SwitchStatus `json:"status"`
	NextCheckInDue *time.Time         `json:"next_check_in_due"`
	Version        int64              `json:"version"`
}

type CheckInHandler struct {
	svc       CheckInService
	validator *core.Validator
	logger    *slog.Logger
}

func NewCheckInHandler(svc CheckInService, v *core.Validator, l *slog.Logger) *CheckInHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &CheckInHandler{svc: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the check-in routes on a /v1 router.
func (h *CheckInHandler) RegisterRoutes(r chi.Router) {
	r.Route("/switches/{switchID}/check-ins", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
	})
}

// Create handles POST /v1/switches/{switchID}/check-ins. The body is
// optional.
func (h *CheckInHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req CheckInRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	c, sw, err := h.svc.CheckIn(r.Context(), checkin.Input{
		SwitchID:  chi.URLParam(r, "switchID"),
		UserID:    userID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Location:  req.Location,
		Notes:     req.Notes,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: CheckInResponse{
		CheckIn:        c,
		SwitchID:       sw.ID,
		Status:         sw.Status,
		NextCheckInDue: sw.NextCheckInDue,
		Version:        sw.Version,
	}})
}

// List handles GET /v1/switches/{switchID}/check-ins?limit=N.
func (h *CheckInHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > checkin.MaxListLimit {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput,
				"limit must be a number between 1 and "+strconv.Itoa(checkin.MaxListLimit), nil,
				map[string]any{"limit": s}))
			return
		}
		limit = n
	}

	out, err := h.svc.List(r.Context(), chi.URLParam(r, "switchID"), userID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if id == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthIdentityMissing, "caller identity is required", nil))
		return "", false
	}
	return id, true
}

// clientIP prefers the first X-Forwarded-For hop set by the gateway.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
