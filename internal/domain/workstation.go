package domain

import (
	"fmt"
	"time"
)

// WorkstationStatus is the lifecycle state of a VM instance. Transitions are
// driven only by the coordinator, except the user-intent write to Restart.
type WorkstationStatus string

const (
	WorkstationScheduled WorkstationStatus = "Scheduled"
	WorkstationSetup     WorkstationStatus = "Setup"
	WorkstationActive    WorkstationStatus = "Active"
	WorkstationRestart   WorkstationStatus = "Restart"
	WorkstationCleanup   WorkstationStatus = "Cleanup"
	WorkstationArchived  WorkstationStatus = "Archived"
	WorkstationBroken    WorkstationStatus = "Broken"
)

// Workstation is a live or scheduled VM instance bound to exactly one
// reservation. EngineInternalName is the VM name on the hypervisor and is
// unique while the workstation is not archived.
type Workstation struct {
	ID                    string            `json:"id"`
	IPAddress             string            `json:"ip_address,omitempty"`
	Port                  int               `json:"port,omitempty"`
	TemplateID            string            `json:"template_id"`
	HostID                string            `json:"host_id"`
	EngineID              string            `json:"engine_id"`
	Status                WorkstationStatus `json:"status"`
	EngineInternalName    string            `json:"engine_internal_name,omitempty"`
	AdditionalInformation map[string]any    `json:"additional_information,omitempty"`
	LastStatusUpdate      time.Time         `json:"last_status_update"`
}

// DefaultVNCPort is used when a workstation has no explicit port recorded.
const DefaultVNCPort = 5900

// Target returns the ip:port the proxy should dial for this workstation.
func (w *Workstation) Target() string {
	port := w.Port
	if port == 0 {
		port = DefaultVNCPort
	}
	return fmt.Sprintf("%s:%d", w.IPAddress, port)
}

// ProxyMapping is a single-use resolvable token pointing at a workstation.
// At most one non-archived mapping exists per reservation; the first lookup
// binds it (LookedUp) and later lookups return the external path instead.
type ProxyMapping struct {
	ID            string     `json:"id"`
	WorkstationID string     `json:"workstation_id"`
	ExternalPath  string     `json:"external_path"`
	CreatedAt     time.Time  `json:"created_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	Archived      bool       `json:"archived"`
	LookedUp      bool       `json:"looked_up"`
}

// ExternalPathForMapping is the noVNC path published for a mapping id.
func ExternalPathForMapping(id string) string {
	return "/novnc/" + id
}
