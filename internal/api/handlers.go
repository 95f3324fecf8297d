package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/velesio/atrium/internal/coordinator"
	"github.com/velesio/atrium/internal/domain"
	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/store"
)

// Handler serves the web-layer endpoints.
type Handler struct {
	Store        store.Store
	Coordinator  *coordinator.Coordinator
	Templates    *coordinator.TemplateHandler
	Reservations *coordinator.ReservationHandler
}

// RegisterRoutes registers all routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /api/tags", h.GetAllTags)
	mux.HandleFunc("POST /api/tags/containing", h.GetTagsContainingText)
	mux.HandleFunc("POST /api/tags/compatible", h.GetTagsCompatible)

	mux.HandleFunc("GET /api/mapping/{token}", h.GetMappingTarget)

	mux.HandleFunc("POST /api/reservations", h.CreateReservation)
	mux.HandleFunc("GET /api/reservations/{id}", h.GetReservation)
	mux.HandleFunc("POST /api/reservations/{id}/cancel", h.CancelReservation)
	mux.HandleFunc("POST /api/reservations/{id}/restart", h.RestartWorkstation)
	mux.HandleFunc("POST /api/reservations/{id}/access", h.AccessReservation)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// tagOption is the {text, value} shape the tag picker consumes.
type tagOption struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

func tagOptions(names []string) []tagOption {
	opts := make([]tagOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, tagOption{Text: name, Value: name})
	}
	return opts
}

// Health reports liveness and whether the control loop runs here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"coordinator_active": h.Coordinator.IsActive(),
	})
}

// GetAllTags lists every tag as picker options.
func (h *Handler) GetAllTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.Templates.GetAllTags(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tagOptions(names)})
}

// GetTagsContainingText filters tags by case-insensitive substring.
func (h *Handler) GetTagsContainingText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tags, err := h.Templates.GetTagsContainingStringAnycase(r.Context(), req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tagOptions(h.Templates.TagNames(tags))})
}

// GetTagsCompatible returns the tags still selectable alongside the input.
func (h *Handler) GetTagsCompatible(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	tags, err := h.Templates.GetTagsByString(ctx, req.Tags)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	compatible, err := h.Templates.GetTagsCompatibleWithTags(ctx, tags)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"compatible_tags": h.Templates.TagNames(compatible),
	})
}

// GetMappingTarget resolves a proxy-mapping token. The body is the bare
// target string; absent or archived mappings resolve to an empty body.
func (h *Handler) GetMappingTarget(w http.ResponseWriter, r *http.Request) {
	target, err := h.Reservations.GetMappingTargetByID(r.Context(), r.PathValue("token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(target))
}

// CreateReservation creates a Pending reservation from (user, tags, window,
// label). 422 when no template covers the tags.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string    `json:"user_id"`
		Username  string    `json:"username"`
		Tags      []string  `json:"tags"`
		StartDate time.Time `json:"start_date"`
		EndDate   time.Time `json:"end_date"`
		UserLabel string    `json:"user_label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user := &domain.User{ID: req.UserID, Username: req.Username}
	reservation, err := h.Reservations.CreateReservation(r.Context(), user, req.Tags, req.StartDate, req.EndDate, req.UserLabel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if reservation == nil {
		http.Error(w, "no template matches the requested tags", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusCreated, reservation)
}

// GetReservation returns the reservation with its window progress.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	reservation, err := h.Store.GetReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservation": reservation,
		"progress":    h.Reservations.ProgressForReservation(reservation),
	})
}

// CancelReservation records the cancel intent; cleanup happens on the next
// control-loop tick.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Reservations.CancelReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// RestartWorkstation records the restart intent.
func (h *Handler) RestartWorkstation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reservation, err := h.Store.GetReservation(ctx, r.PathValue("id"))
	if err != nil {
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	ok, err := h.Reservations.RestartWorkstationForReservation(ctx, reservation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "reservation has no workstation", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restarting": true})
}

// AccessReservation archives the current mapping and mints a fresh one.
func (h *Handler) AccessReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reservation, err := h.Store.GetReservation(ctx, r.PathValue("id"))
	if err != nil {
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	if reservation.WorkstationID == "" {
		http.Error(w, "reservation has no workstation", http.StatusConflict)
		return
	}
	mapping, err := h.Reservations.CreateMappingForReservation(ctx, reservation)
	if err != nil {
		logging.Op().Error("mapping creation failed", "reservation", reservation.ID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, mapping)
}
