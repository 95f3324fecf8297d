package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velesio/atrium/internal/domain"
	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/metrics"
	"github.com/velesio/atrium/internal/store"
)

// ReservationHandler drives reservations through the state machine, one pass
// per control-loop tick.
type ReservationHandler struct {
	store store.Store
	now   func() time.Time
}

// NewReservationHandler builds a handler. now is injectable for tests; nil
// means wall clock.
func NewReservationHandler(st store.Store, now func() time.Time) *ReservationHandler {
	if now == nil {
		now = time.Now
	}
	return &ReservationHandler{store: st, now: now}
}

// Handle runs one dispatch pass over all reservations in request-date order.
// Failures are logged per reservation; nothing escapes the loop.
func (rh *ReservationHandler) Handle(ctx context.Context, eh *EngineHandler) {
	reservations, err := rh.store.ListReservations(ctx)
	if err != nil {
		logging.Op().Error("list reservations failed", "error", err)
		return
	}
	for _, r := range reservations {
		if err := rh.handleReservation(ctx, r, eh); err != nil {
			logging.Op().Error("reservation handling failed", "reservation", r.ID, "status", r.Status, "error", err)
		}
	}
}

func (rh *ReservationHandler) handleReservation(ctx context.Context, r *domain.Reservation, eh *EngineHandler) error {
	switch r.Status {
	case domain.ReservationPending:
		return rh.handlePending(ctx, r, eh)
	case domain.ReservationApproved:
		return rh.handleApproved(ctx, r, eh)
	case domain.ReservationActive:
		return rh.handleActive(ctx, r, eh)
	case domain.ReservationCancelled:
		return rh.handleCancelled(ctx, r, eh)
	case domain.ReservationBroken:
		return rh.handleBroken(ctx, r, eh)
	}
	return nil
}

// handlePending admits the reservation onto the first engine (insertion
// order) whose type the template allows and whose capacity covers the
// aggregate load of overlapping admitted reservations plus this one.
func (rh *ReservationHandler) handlePending(ctx context.Context, r *domain.Reservation, eh *EngineHandler) error {
	t, err := rh.store.GetTemplate(ctx, r.TemplateID)
	if err != nil {
		return fmt.Errorf("get template %s: %w", r.TemplateID, err)
	}

	overlapping, err := rh.overlappingAdmitted(ctx, r)
	if err != nil {
		return err
	}

	engines, err := rh.store.ListEngines(ctx)
	if err != nil {
		return fmt.Errorf("list engines: %w", err)
	}
	for _, engine := range engines {
		if !t.AllowsEngineType(engine.TypeID) {
			continue
		}
		load, err := eh.AggregateLoadAtTime(ctx, engine, overlapping)
		if err != nil {
			return err
		}
		cumulative := load.Plus(t.ResourceRequirements)
		if !cumulative.Fits(engine.MaxResources) {
			logging.Op().Info("engine lacks capacity", "engine", engine.Name, "reservation", r.ID,
				"load", load, "required", t.ResourceRequirements, "max", engine.MaxResources)
			continue
		}

		host, err := rh.store.GetHostForEngine(ctx, engine.ID)
		if err != nil {
			return fmt.Errorf("no host exposes engine %s: %w", engine.ID, err)
		}
		ws := &domain.Workstation{
			ID:               uuid.NewString(),
			TemplateID:       t.ID,
			HostID:           host.ID,
			EngineID:         engine.ID,
			Status:           domain.WorkstationScheduled,
			LastStatusUpdate: rh.now(),
		}
		if err := rh.store.SaveWorkstation(ctx, ws); err != nil {
			return fmt.Errorf("save workstation: %w", err)
		}
		r.WorkstationID = ws.ID
		metrics.RecordPlacementDecision("approved")
		logging.Op().Info("reservation admitted", "reservation", r.ID, "engine", engine.Name)
		return rh.setReservationStatus(ctx, r, domain.ReservationApproved)
	}

	metrics.RecordPlacementDecision("rejected")
	logging.Op().Info("no engine fits reservation", "reservation", r.ID)
	return rh.setReservationStatus(ctx, r, domain.ReservationRejected)
}

// overlappingAdmitted returns every other reservation whose window intersects
// r's and which already has a workstation.
func (rh *ReservationHandler) overlappingAdmitted(ctx context.Context, r *domain.Reservation) ([]*domain.Reservation, error) {
	all, err := rh.store.ListReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	var out []*domain.Reservation
	for _, other := range all {
		if other.ID == r.ID || other.WorkstationID == "" {
			continue
		}
		if r.Overlaps(other) {
			out = append(out, other)
		}
	}
	return out, nil
}

func (rh *ReservationHandler) handleApproved(ctx context.Context, r *domain.Reservation, eh *EngineHandler) error {
	now := rh.now()
	if now.Before(r.StartDate) {
		return nil
	}
	if now.After(r.EndDate) {
		// The window elapsed while the reservation never went active.
		logging.Op().Warn("approved reservation window elapsed", "reservation", r.ID)
		return rh.setReservationStatus(ctx, r, domain.ReservationBroken)
	}
	if r.WorkstationID == "" {
		logging.Op().Warn("approved reservation without workstation", "reservation", r.ID)
		return rh.setReservationStatus(ctx, r, domain.ReservationBroken)
	}

	ws, err := rh.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}

	switch ws.Status {
	case domain.WorkstationScheduled:
		if err := rh.setWorkstationStatus(ctx, ws, domain.WorkstationSetup, r.ID); err != nil {
			return err
		}
		return eh.StartSetup(ctx, r, rh.markWorkstationActive(ctx, r))

	case domain.WorkstationSetup:
		if eh.IsSetupWorkerRunning(r.ID) {
			return nil
		}
		// Setup without a registered worker means the coordinator restarted
		// mid-setup; revert so a fresh worker is scheduled next tick.
		logging.Op().Info("setup without worker, reverting to scheduled", "reservation", r.ID)
		return rh.setWorkstationStatus(ctx, ws, domain.WorkstationScheduled, r.ID)

	case domain.WorkstationActive:
		return rh.setReservationStatus(ctx, r, domain.ReservationActive)

	case domain.WorkstationRestart:
		eh.StartRestart(ctx, r, rh.markWorkstationActive(ctx, r))
		return nil
	}

	logging.Op().Warn("workstation in unexpected status", "reservation", r.ID, "status", ws.Status)
	return nil
}

func (rh *ReservationHandler) handleActive(ctx context.Context, r *domain.Reservation, eh *EngineHandler) error {
	if r.WorkstationID == "" {
		logging.Op().Warn("active reservation without workstation", "reservation", r.ID)
		return rh.setReservationStatus(ctx, r, domain.ReservationBroken)
	}
	ws, err := rh.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}

	if ws.Status == domain.WorkstationRestart {
		eh.StartRestart(ctx, r, rh.markWorkstationActive(ctx, r))
	}

	if rh.now().Before(r.EndDate) {
		return nil
	}

	// Window over: tear down and complete. The mapping is archived before the
	// worker launches, and the callback reloads the reservation, so the
	// worker goroutine never shares the loop's pointer.
	if err := rh.ArchiveMappingForReservationIfExists(ctx, r); err != nil {
		return err
	}
	if err := rh.setWorkstationStatus(ctx, ws, domain.WorkstationCleanup, r.ID); err != nil {
		return err
	}
	eh.StartCleanup(ctx, r, func() {
		current, err := rh.store.GetWorkstation(ctx, r.WorkstationID)
		if err != nil {
			logging.Op().Error("cleanup callback: workstation lookup failed", "reservation", r.ID, "error", err)
			return
		}
		if err := rh.setWorkstationStatus(ctx, current, domain.WorkstationArchived, r.ID); err != nil {
			logging.Op().Error("cleanup callback: archive failed", "reservation", r.ID, "error", err)
			return
		}
		res, err := rh.store.GetReservation(ctx, r.ID)
		if err != nil {
			logging.Op().Error("cleanup callback: reservation lookup failed", "reservation", r.ID, "error", err)
			return
		}
		if err := rh.setReservationStatus(ctx, res, domain.ReservationCompleted); err != nil {
			logging.Op().Error("cleanup callback: complete failed", "reservation", r.ID, "error", err)
		}
	})
	return nil
}

// handleCancelled performs cleanup synchronously in the tick, so
// cancellation cannot race user flows.
func (rh *ReservationHandler) handleCancelled(ctx context.Context, r *domain.Reservation, eh *EngineHandler) error {
	if r.WorkstationID == "" {
		return nil
	}

	// A setup worker may still be polling the VM; stop it and wait for it to
	// die before the teardown, so the two cannot interleave on the engine.
	eh.AbortSetup(r.ID)

	ws, err := rh.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}
	switch ws.Status {
	case domain.WorkstationActive, domain.WorkstationSetup, domain.WorkstationScheduled:
	default:
		return nil
	}

	if err := rh.setWorkstationStatus(ctx, ws, domain.WorkstationCleanup, r.ID); err != nil {
		return err
	}
	if err := eh.CleanupWorkstation(ctx, r); err != nil {
		return fmt.Errorf("cleanup cancelled reservation %s: %w", r.ID, err)
	}
	if err := rh.setWorkstationStatus(ctx, ws, domain.WorkstationArchived, r.ID); err != nil {
		return err
	}
	return rh.ArchiveMappingForReservationIfExists(ctx, r)
}

func (rh *ReservationHandler) handleBroken(ctx context.Context, r *domain.Reservation, eh *EngineHandler) error {
	if r.WorkstationID == "" {
		return nil
	}
	ws, err := rh.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}
	if ws.Status != domain.WorkstationBroken {
		return nil
	}

	if err := rh.setWorkstationStatus(ctx, ws, domain.WorkstationCleanup, r.ID); err != nil {
		return err
	}
	eh.StartCleanup(ctx, r, func() {
		// Diagnostic retention: the workstation row stays Broken.
		current, err := rh.store.GetWorkstation(ctx, r.WorkstationID)
		if err != nil {
			logging.Op().Error("broken cleanup callback: workstation lookup failed", "reservation", r.ID, "error", err)
			return
		}
		if err := rh.setWorkstationStatus(ctx, current, domain.WorkstationBroken, r.ID); err != nil {
			logging.Op().Error("broken cleanup callback: status write failed", "reservation", r.ID, "error", err)
		}
	})
	return nil
}

// markWorkstationActive returns the setup/restart success hook.
func (rh *ReservationHandler) markWorkstationActive(ctx context.Context, r *domain.Reservation) func() {
	return func() {
		ws, err := rh.store.GetWorkstation(ctx, r.WorkstationID)
		if err != nil {
			logging.Op().Error("setup callback: workstation lookup failed", "reservation", r.ID, "error", err)
			return
		}
		if err := rh.setWorkstationStatus(ctx, ws, domain.WorkstationActive, r.ID); err != nil {
			logging.Op().Error("setup callback: status write failed", "reservation", r.ID, "error", err)
		}
	}
}

func (rh *ReservationHandler) setReservationStatus(ctx context.Context, r *domain.Reservation, to domain.ReservationStatus) error {
	from := r.Status
	r.Status = to
	r.LastStatusUpdate = rh.now()
	if err := rh.store.SaveReservation(ctx, r); err != nil {
		return fmt.Errorf("save reservation %s: %w", r.ID, err)
	}
	metrics.RecordReservationTransition(string(to))
	logging.Transitions().Log(&logging.Transition{
		ReservationID: r.ID,
		Entity:        "reservation",
		From:          string(from),
		To:            string(to),
	})
	return nil
}

func (rh *ReservationHandler) setWorkstationStatus(ctx context.Context, ws *domain.Workstation, to domain.WorkstationStatus, reservationID string) error {
	from := ws.Status
	ws.Status = to
	ws.LastStatusUpdate = rh.now()
	if err := rh.store.SaveWorkstation(ctx, ws); err != nil {
		return fmt.Errorf("save workstation %s: %w", ws.ID, err)
	}
	metrics.RecordWorkstationTransition(string(to))
	logging.Transitions().Log(&logging.Transition{
		ReservationID: reservationID,
		Entity:        "workstation",
		From:          string(from),
		To:            string(to),
	})
	return nil
}

// CreateReservation selects the first template whose tag set covers the
// requested tag names and creates a Pending reservation. A blank label
// defaults to the template name.
func (rh *ReservationHandler) CreateReservation(ctx context.Context, user *domain.User, tagNames []string, start, end time.Time, label string) (*domain.Reservation, error) {
	if err := domain.ValidateWindow(start, end); err != nil {
		return nil, err
	}
	t, err := rh.FindTemplateWithTags(ctx, tagNames)
	if err != nil {
		return nil, err
	}
	if t == nil {
		logging.Op().Info("no template matches tags", "tags", tagNames)
		return nil, nil
	}
	if label == "" {
		label = t.Name
	}
	r := &domain.Reservation{
		ID:               uuid.NewString(),
		Status:           domain.ReservationPending,
		RequestDate:      rh.now(),
		StartDate:        start,
		EndDate:          end,
		UserID:           user.ID,
		Username:         user.Username,
		TemplateID:       t.ID,
		UserLabel:        label,
		LastStatusUpdate: rh.now(),
	}
	if err := rh.store.SaveReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("save reservation: %w", err)
	}
	metrics.RecordReservationTransition(string(domain.ReservationPending))
	logging.Op().Info("reservation created", "reservation", r.ID, "user", user.Username, "template", t.Name)
	return r, nil
}

// FindTemplateWithTags returns the first template whose tag names are a
// superset of the requested names, or nil.
func (rh *ReservationHandler) FindTemplateWithTags(ctx context.Context, tagNames []string) (*domain.Template, error) {
	templates, err := rh.store.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	for _, t := range templates {
		names := make(map[string]bool, len(t.TagIDs))
		for _, tagID := range t.TagIDs {
			tag, err := rh.store.GetTag(ctx, tagID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("get tag %s: %w", tagID, err)
			}
			names[tag.Name] = true
		}
		covered := true
		for _, want := range tagNames {
			if !names[want] {
				covered = false
				break
			}
		}
		if covered {
			return t, nil
		}
	}
	return nil, nil
}

// CancelReservation records the user's cancel intent; the next tick performs
// the cleanup.
func (rh *ReservationHandler) CancelReservation(ctx context.Context, id string) (bool, error) {
	r, err := rh.store.GetReservation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get reservation %s: %w", id, err)
	}
	return true, rh.setReservationStatus(ctx, r, domain.ReservationCancelled)
}

// RestartWorkstationForReservation records the user's restart intent.
func (rh *ReservationHandler) RestartWorkstationForReservation(ctx context.Context, r *domain.Reservation) (bool, error) {
	if r.WorkstationID == "" {
		return false, nil
	}
	ws, err := rh.store.GetWorkstation(ctx, r.WorkstationID)
	if err != nil {
		return false, fmt.Errorf("get workstation %s: %w", r.WorkstationID, err)
	}
	return true, rh.setWorkstationStatus(ctx, ws, domain.WorkstationRestart, r.ID)
}

// ProgressForReservation reports elapsed window percentage.
func (rh *ReservationHandler) ProgressForReservation(r *domain.Reservation) int {
	return r.Progress(rh.now())
}

// CreateMappingForReservation archives the current mapping (if any) and
// mints a fresh one bound to the reservation's workstation.
func (rh *ReservationHandler) CreateMappingForReservation(ctx context.Context, r *domain.Reservation) (*domain.ProxyMapping, error) {
	if err := rh.ArchiveMappingForReservationIfExists(ctx, r); err != nil {
		return nil, err
	}
	m := &domain.ProxyMapping{
		ID:            uuid.NewString(),
		WorkstationID: r.WorkstationID,
		CreatedAt:     rh.now(),
	}
	m.ExternalPath = domain.ExternalPathForMapping(m.ID)
	if err := rh.store.SaveProxyMapping(ctx, m); err != nil {
		return nil, fmt.Errorf("save proxy mapping: %w", err)
	}
	r.ProxyMappingID = m.ID
	if err := rh.store.SaveReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("save reservation %s: %w", r.ID, err)
	}
	metrics.RecordMappingIssued()
	return m, nil
}

// ArchiveMappingForReservationIfExists archives and detaches the current
// mapping. No-op when none is attached.
func (rh *ReservationHandler) ArchiveMappingForReservationIfExists(ctx context.Context, r *domain.Reservation) error {
	if r.ProxyMappingID == "" {
		return nil
	}
	m, err := rh.store.GetProxyMapping(ctx, r.ProxyMappingID)
	if errors.Is(err, store.ErrNotFound) {
		r.ProxyMappingID = ""
		return rh.store.SaveReservation(ctx, r)
	}
	if err != nil {
		return fmt.Errorf("get proxy mapping %s: %w", r.ProxyMappingID, err)
	}
	now := rh.now()
	m.Archived = true
	m.ArchivedAt = &now
	if err := rh.store.SaveProxyMapping(ctx, m); err != nil {
		return fmt.Errorf("save proxy mapping %s: %w", m.ID, err)
	}
	r.ProxyMappingID = ""
	if err := rh.store.SaveReservation(ctx, r); err != nil {
		return fmt.Errorf("save reservation %s: %w", r.ID, err)
	}
	return nil
}

// GetMappingTargetByID resolves a mapping token. The first lookup of a live
// mapping binds it and returns ip:port; later lookups return the external
// path. Absent or archived mappings resolve to the empty string.
func (rh *ReservationHandler) GetMappingTargetByID(ctx context.Context, id string) (string, error) {
	m, err := rh.store.GetProxyMapping(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordMappingResolved("miss")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get proxy mapping %s: %w", id, err)
	}
	if m.Archived {
		metrics.RecordMappingResolved("miss")
		return "", nil
	}
	if m.LookedUp {
		metrics.RecordMappingResolved("path")
		return m.ExternalPath, nil
	}

	ws, err := rh.store.GetWorkstation(ctx, m.WorkstationID)
	if err != nil {
		return "", fmt.Errorf("get workstation %s: %w", m.WorkstationID, err)
	}
	m.LookedUp = true
	if err := rh.store.SaveProxyMapping(ctx, m); err != nil {
		return "", fmt.Errorf("save proxy mapping %s: %w", m.ID, err)
	}
	metrics.RecordMappingResolved("target")
	return ws.Target(), nil
}

// ListWithStatus logs every reservation in the given status. Diagnostic.
func (rh *ReservationHandler) ListWithStatus(ctx context.Context, status domain.ReservationStatus) {
	reservations, err := rh.store.ListReservations(ctx)
	if err != nil {
		logging.Op().Error("list reservations failed", "error", err)
		return
	}
	for _, r := range reservations {
		if r.Status != status {
			continue
		}
		logging.Op().Info("reservation",
			"id", r.ID,
			"status", r.Status,
			"request_date", r.RequestDate,
			"start_date", r.StartDate,
			"template", r.TemplateID,
			"user", r.Username,
		)
	}
}
