package store

import (
	"context"
	"errors"

	"github.com/velesio/atrium/internal/domain"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable metadata store for the coordinator. The database is
// the source of truth; workers and the control loop write back through it.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// Tags
	SaveTag(ctx context.Context, tag *domain.Tag) error
	GetTag(ctx context.Context, id string) (*domain.Tag, error)
	GetTagByName(ctx context.Context, name string) (*domain.Tag, error)
	ListTags(ctx context.Context) ([]*domain.Tag, error)

	// Engine types
	SaveEngineType(ctx context.Context, et *domain.EngineType) error
	GetEngineType(ctx context.Context, id string) (*domain.EngineType, error)
	ListEngineTypes(ctx context.Context) ([]*domain.EngineType, error)

	// Engines. ListEngines returns engines in insertion order; placement
	// walks this order deterministically.
	SaveEngine(ctx context.Context, e *domain.Engine) error
	GetEngine(ctx context.Context, id string) (*domain.Engine, error)
	ListEngines(ctx context.Context) ([]*domain.Engine, error)

	// Hosts
	SaveHost(ctx context.Context, h *domain.Host) error
	ListHosts(ctx context.Context) ([]*domain.Host, error)
	GetHostForEngine(ctx context.Context, engineID string) (*domain.Host, error)

	// Templates
	SaveTemplate(ctx context.Context, t *domain.Template) error
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
	ListTemplates(ctx context.Context) ([]*domain.Template, error)

	// Workstations
	SaveWorkstation(ctx context.Context, w *domain.Workstation) error
	GetWorkstation(ctx context.Context, id string) (*domain.Workstation, error)
	GetWorkstationByInternalName(ctx context.Context, name string) (*domain.Workstation, error)

	// Reservations. ListReservations returns ascending request_date, the
	// FIFO tiebreaker for admission.
	SaveReservation(ctx context.Context, r *domain.Reservation) error
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ListReservations(ctx context.Context) ([]*domain.Reservation, error)
	GetReservationForWorkstation(ctx context.Context, workstationID string) (*domain.Reservation, error)

	// Proxy mappings
	SaveProxyMapping(ctx context.Context, m *domain.ProxyMapping) error
	GetProxyMapping(ctx context.Context, id string) (*domain.ProxyMapping, error)
}
