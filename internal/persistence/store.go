package persistence

import (
	"context"

	"github.com/petrijr/reelflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned by CreateInstance for a taken ID.
	ErrInstanceExists = api.ErrInstanceExists

	// ErrHistoryConflict is returned by Commit when the stored version no
	// longer matches the expected one.
	ErrHistoryConflict = api.ErrHistoryConflict

	// ErrApprovalNotFound is returned by GetApproval for an unknown code.
	ErrApprovalNotFound = api.ErrApprovalNotFound
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Name   string
	Status api.Status
}

// Version identifies the history state a commit was computed against.
type Version struct {
	Generation int
	HistoryLen int
}

// VersionOf returns the version of inst as it was read from the store.
func VersionOf(inst *api.Instance) Version {
	return Version{Generation: inst.Generation, HistoryLen: inst.HistoryLen}
}

// Store persists instance status records together with the append-only
// history of their current generation.
type Store interface {
	// CreateInstance atomically stores inst and its initial history. It
	// returns ErrInstanceExists when the ID is already taken. Event indexes
	// and inst.HistoryLen are assigned by the store.
	CreateInstance(ctx context.Context, inst *api.Instance, events []api.HistoryEvent) error

	// Commit atomically appends events to the history and replaces the status
	// record, provided the stored version still equals expect. Otherwise it
	// returns ErrHistoryConflict and changes nothing.
	//
	// When inst.Generation differs from expect.Generation the previous
	// generation's history is discarded and events start the new one.
	// Event indexes and inst.HistoryLen are assigned by the store.
	Commit(ctx context.Context, inst *api.Instance, expect Version, events []api.HistoryEvent) error

	// GetInstance returns the status record of an instance.
	GetInstance(ctx context.Context, id string) (*api.Instance, error)

	// ListInstances returns instances matching filter ordered by creation.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error)

	// History returns the current generation's history in append order.
	History(ctx context.Context, id string) ([]api.HistoryEvent, error)
}

// Persistence bundles the store interfaces so the engine and the trigger
// layer can depend on a single abstraction.
type Persistence struct {
	Instances Store
	Approvals api.ApprovalStore
}

// Backend is implemented by every store in this package.
type Backend interface {
	Store
	api.ApprovalStore
}

// Bundle wraps a backend that serves both concerns.
func Bundle(b Backend) Persistence {
	return Persistence{Instances: b, Approvals: b}
}

// indexEvents assigns history indexes starting at base.
func indexEvents(events []api.HistoryEvent, base int) []api.HistoryEvent {
	out := make([]api.HistoryEvent, len(events))
	for i, ev := range events {
		ev.Index = base + i
		out[i] = ev
	}
	return out
}

// nextLength returns the base index for events of a commit and the resulting
// history length.
func nextLength(inst *api.Instance, expect Version, n int) (base, length int) {
	if inst.Generation != expect.Generation {
		return 0, n
	}
	return expect.HistoryLen, expect.HistoryLen + n
}
