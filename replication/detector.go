package replication

import (
	"sort"

	"github.com/spyglassmod/spyglass/hostmem"
)

// EventType classifies one observed container change.
type EventType int

const (
	Added EventType = iota
	Modified
	Removed
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "Added"
	case Modified:
		return "Modified"
	case Removed:
		return "Removed"
	}
	return "Unknown"
}

// Event is one change between two polls. Removed events carry the
// stale id only; the item is already gone.
type Event struct {
	Type  EventType
	ID    int32
	Key   int32
	Index int32
	Item  hostmem.Addr
}

// ChangeDetector diffs successive states of a mirror. It keeps the
// last observed id-to-key map and reports what moved since. The scan
// is quadratic in container size, which the containers in practice
// (tens of items) never make noticeable.
type ChangeDetector struct {
	mirror Mirror
	seen   map[int32]int32
}

// NewChangeDetector primes a detector on the container's current
// state, so the first Poll reports only changes made after this call.
func NewChangeDetector(m Mirror) *ChangeDetector {
	d := &ChangeDetector{mirror: m}
	d.Reset()
	return d
}

// Reset re-primes on the current state without emitting events.
func (d *ChangeDetector) Reset() {
	d.seen = d.capture()
}

func (d *ChangeDetector) capture() map[int32]int32 {
	state := make(map[int32]int32)
	for i := int32(0); i < d.mirror.Count(); i++ {
		id, err := d.mirror.ItemID(i)
		if err != nil || id == UnassignedID {
			continue
		}
		key, err := d.mirror.ItemKey(i)
		if err != nil {
			continue
		}
		state[id] = key
	}
	return state
}

// Poll reports the changes since the previous poll. Removals come
// first, then additions and modifications in current item order.
func (d *ChangeDetector) Poll() []Event {
	current := d.capture()

	var events []Event
	for id, key := range d.seen {
		if _, ok := current[id]; !ok {
			events = append(events, Event{Type: Removed, ID: id, Key: key, Index: -1})
		}
	}
	// Map order is not deterministic; removals sort by id so callers
	// see a stable stream.
	sort.Slice(events, func(a, b int) bool { return events[a].ID < events[b].ID })

	for i := int32(0); i < d.mirror.Count(); i++ {
		id, err := d.mirror.ItemID(i)
		if err != nil || id == UnassignedID {
			continue
		}
		key, err := d.mirror.ItemKey(i)
		if err != nil {
			continue
		}
		prev, existed := d.seen[id]
		switch {
		case !existed:
			events = append(events, Event{Type: Added, ID: id, Key: key, Index: i, Item: d.mirror.ItemAt(i)})
		case prev != key:
			events = append(events, Event{Type: Modified, ID: id, Key: key, Index: i, Item: d.mirror.ItemAt(i)})
		}
	}

	d.seen = current
	return events
}
