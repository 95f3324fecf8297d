package domain

import (
	"fmt"
	"time"
)

// ReservationStatus is the coordinator-driven state of a reservation.
// Completed, Rejected, and Cancelled are terminal.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "Pending"
	ReservationApproved  ReservationStatus = "Approved"
	ReservationActive    ReservationStatus = "Active"
	ReservationCompleted ReservationStatus = "Completed"
	ReservationRejected  ReservationStatus = "Rejected"
	ReservationCancelled ReservationStatus = "Cancelled"
	ReservationBroken    ReservationStatus = "Broken"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ReservationStatus) IsTerminal() bool {
	switch s {
	case ReservationCompleted, ReservationRejected, ReservationCancelled:
		return true
	}
	return false
}

// MinReservationWindow is the shortest allowed reservation.
const MinReservationWindow = 15 * time.Minute

// Reservation is a user's request for a workstation over a time window.
// The workstation and current proxy mapping are exclusively owned and
// nullable until admission / first access.
type Reservation struct {
	ID                    string            `json:"id"`
	Status                ReservationStatus `json:"status"`
	RequestDate           time.Time         `json:"request_date"`
	StartDate             time.Time         `json:"start_date"`
	EndDate               time.Time         `json:"end_date"`
	UserID                string            `json:"user_id"`
	Username              string            `json:"username"`
	TemplateID            string            `json:"template_id"`
	WorkstationID         string            `json:"workstation_id,omitempty"`
	ProxyMappingID        string            `json:"proxy_mapping_id,omitempty"`
	AdditionalInformation map[string]any    `json:"additional_information,omitempty"`
	LastStatusUpdate      time.Time         `json:"last_status_update"`
	UserLabel             string            `json:"user_label,omitempty"`
}

// ValidateWindow checks the reservation time window invariants.
func ValidateWindow(start, end time.Time) error {
	if !end.After(start) {
		return fmt.Errorf("end date %s is not after start date %s", end, start)
	}
	if end.Sub(start) < MinReservationWindow {
		return fmt.Errorf("reservation window is shorter than %s", MinReservationWindow)
	}
	return nil
}

// Overlaps reports whether the [start,end] windows of the two reservations
// intersect.
func (r *Reservation) Overlaps(other *Reservation) bool {
	return !r.StartDate.After(other.EndDate) && !other.StartDate.After(r.EndDate)
}

// Progress returns how much of the window has elapsed at now, in percent.
// Terminal reservations report 100.
func (r *Reservation) Progress(now time.Time) int {
	if r.Status.IsTerminal() {
		return 100
	}
	window := r.EndDate.Sub(r.StartDate)
	if window <= 0 {
		return 100
	}
	left := r.EndDate.Sub(now)
	if left < 0 {
		left = 0
	}
	if left > window {
		return 0
	}
	return int((window - left) * 100 / window)
}
