// Package objects provides read access to the host's global object
// registry and interned name table. Both exist in two on-disk shapes
// across the supported generations; the constructors pick the right
// decoder once from the detected feature flags.
package objects

import (
	"errors"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/spyglassmod/spyglass/hostmem"
)

var log = commonlog.GetLogger("spyglass.objects")

var (
	ErrIndexOutOfRange = errors.New("objects: index out of range")
	ErrNilEntry        = errors.New("objects: nil entry")
	ErrBadName         = errors.New("objects: unreadable name entry")
)

// Handle is the address of a live reflected object inside the host
// image. The zero handle is never a valid object.
type Handle = hostmem.Addr

// ---------------------------------------------------------------------------
// Registry items
// ---------------------------------------------------------------------------

// ItemFlags is the per-slot flag word of a registry item.
type ItemFlags uint32

const (
	ItemUnreachable    ItemFlags = 1 << 28
	ItemPendingDestroy ItemFlags = 1 << 29
	ItemRooted         ItemFlags = 1 << 30
)

func (f ItemFlags) Unreachable() bool    { return f&ItemUnreachable != 0 }
func (f ItemFlags) PendingDestroy() bool { return f&ItemPendingDestroy != 0 }
func (f ItemFlags) Rooted() bool         { return f&ItemRooted != 0 }

func (f ItemFlags) String() string {
	var parts []string
	if f.Unreachable() {
		parts = append(parts, "Unreachable")
	}
	if f.PendingDestroy() {
		parts = append(parts, "PendingDestroy")
	}
	if f.Rooted() {
		parts = append(parts, "Rooted")
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Item is one decoded registry slot.
type Item struct {
	Handle       Handle
	Flags        ItemFlags
	ClusterIndex int32
	Serial       int32
}

// Registry enumerates the host's live objects. Implementations decode
// one specific registry shape; callers never see which.
type Registry interface {
	// Count returns the number of registry slots, including empty ones.
	Count() int32

	// Get returns the object handle in slot i, or zero if the slot is
	// empty or out of range.
	Get(i int32) Handle

	// Item decodes the full slot.
	Item(i int32) (Item, error)
}

// Name is one decoded interned-name entry.
type Name struct {
	Text   string
	Wide   bool
	Length int
}

// Display renders the name with its stored instance number, the way
// the host prints instance names. Zero means no suffix; stored
// numbers are biased by one, so 1 renders as "_0".
func (n Name) Display(number int32) string {
	if number == 0 {
		return n.Text
	}
	return n.Text + "_" + strconv.Itoa(int(number-1))
}

// NameTable resolves interned-name indices to text. Implementations
// decode one specific pool shape.
type NameTable interface {
	// Resolve decodes the entry at index.
	Resolve(index int32) (Name, error)

	// String returns the entry text, or "" if it cannot be decoded.
	String(index int32) string
}
