package breakpoint

import (
	"fmt"
	"sort"

	"go.uber.org/atomic"

	. "github.com/pattyshack/tdb/debugger/common"
)

type BreakPoint struct {
	Id      uint64
	Address VirtualAddress

	IsActive bool

	// Reserved for conditional break points.  The engine never evaluates it.
	Condition string
}

func (point *BreakPoint) String() string {
	state := "active"
	if !point.IsActive {
		state = "inactive"
	}

	return fmt.Sprintf("break point %d at %s (%s)", point.Id, point.Address, state)
}

// Registry is the engine's authoritative record of break points, ordered by
// ascending address with at most one break point per address.  Installing
// the break points into the target is the target controller's job.
type Registry struct {
	nextId *atomic.Uint64

	points []*BreakPoint
}

func NewRegistry() *Registry {
	return &Registry{
		nextId: atomic.NewUint64(0),
	}
}

// search returns the index of the first break point with address >= addr.
func (registry *Registry) search(addr VirtualAddress) int {
	return sort.Search(
		len(registry.points),
		func(idx int) bool {
			return registry.points[idx].Address >= addr
		})
}

func (registry *Registry) Set(addr VirtualAddress) (*BreakPoint, error) {
	idx := registry.search(addr)
	if idx < len(registry.points) && registry.points[idx].Address == addr {
		return nil, fmt.Errorf(
			"failed to set break point at %s: %w",
			addr,
			ErrBreakPointAlreadyExists)
	}

	point := &BreakPoint{
		Id:       registry.nextId.Add(1),
		Address:  addr,
		IsActive: true,
	}

	registry.points = append(registry.points, nil)
	copy(registry.points[idx+1:], registry.points[idx:])
	registry.points[idx] = point

	return point, nil
}

func (registry *Registry) Clear(addr VirtualAddress) error {
	idx := registry.search(addr)
	if idx == len(registry.points) || registry.points[idx].Address != addr {
		return fmt.Errorf(
			"failed to clear break point at %s: %w",
			addr,
			ErrBreakPointNotFound)
	}

	registry.points = append(registry.points[:idx], registry.points[idx+1:]...)
	return nil
}

func (registry *Registry) Locate(addr VirtualAddress) (*BreakPoint, bool) {
	idx := registry.search(addr)
	if idx < len(registry.points) && registry.points[idx].Address == addr {
		return registry.points[idx], true
	}
	return nil, false
}

func (registry *Registry) SetActive(addr VirtualAddress, active bool) error {
	point, ok := registry.Locate(addr)
	if !ok {
		return fmt.Errorf(
			"failed to update break point at %s: %w",
			addr,
			ErrBreakPointNotFound)
	}

	point.IsActive = active
	return nil
}

// List returns the break points in ascending address order.
func (registry *Registry) List() []*BreakPoint {
	result := make([]*BreakPoint, len(registry.points))
	copy(result, registry.points)
	return result
}

func (registry *Registry) Len() int {
	return len(registry.points)
}
