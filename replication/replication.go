// Package replication mirrors the host's delta-replicated containers.
// A container keeps its items in an inline dynamic array and tracks
// dirtiness through per-item ids and keys; newer generations add a
// container-level array key that bulk operations bump.
package replication

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/version"
)

var log = commonlog.GetLogger("spyglass.replication")

var (
	ErrIndexOutOfRange = errors.New("replication: index out of range")
	ErrBadContainer    = errors.New("replication: unreadable container")
)

// Every item embeds its replication header at offset 0. The third
// field exists only in keyed containers.
const (
	itemIDOff       = 0x00
	itemKeyOff      = 0x04
	itemArrayKeyOff = 0x08

	arrayDataOff  = 0x00
	arrayCountOff = 0x08

	// UnassignedID marks an item that has never been granted an id.
	UnassignedID int32 = -1
)

// Options locates the container-level bookkeeping fields. The zero
// value selects the offsets every supported keyed build uses.
type Options struct {
	ArrayKeyOffset  int32
	IDCounterOffset int32
}

func (o Options) withDefaults() Options {
	if o.ArrayKeyOffset == 0 {
		o.ArrayKeyOffset = 0x68
	}
	if o.IDCounterOffset == 0 {
		o.IDCounterOffset = 0x6C
	}
	return o
}

// Mirror is a live view over one replicated container.
type Mirror interface {
	// Count returns the number of items currently in the container.
	Count() int32

	// ItemAt returns the address of item i, or zero when out of range.
	ItemAt(i int32) hostmem.Addr

	// ItemID returns the replication id of item i.
	ItemID(i int32) (int32, error)

	// ItemKey returns the replication key of item i.
	ItemKey(i int32) (int32, error)

	// MarkDirty flags item i as changed so the host replicates it.
	MarkDirty(i int32) error

	// MarkAllDirty flags the whole container as changed.
	MarkAllDirty() error

	// ArrayKey returns the container-level key. Containers without one
	// report the highest item key instead.
	ArrayKey() int32

	// IDCounter returns the container's next-id counter, or 0 when the
	// container does not track one.
	IDCounter() int32

	// IsItemDirty reports whether item i awaits replication.
	IsItemDirty(i int32) bool

	// Keyed reports which container form the mirror decodes.
	Keyed() bool
}

// NewMirror views the replicated container embedded in the object at
// base. arrayOffset locates the item array within the container and
// stride is the full item size. The container form follows the
// detected feature flags.
func NewMirror(img hostmem.MutableImage, base hostmem.Addr, arrayOffset, stride int32, flags version.Flags, opts Options) Mirror {
	if stride < itemArrayKeyOff+4 {
		stride = itemArrayKeyOff + 4
	}
	if flags.KeyedReplication {
		log.Debugf("keyed mirror over container at %#x", uint64(base))
		return &keyedMirror{mirrorBase{img, base, arrayOffset, stride}, opts.withDefaults()}
	}
	log.Debugf("legacy mirror over container at %#x", uint64(base))
	return &legacyMirror{mirrorBase{img, base, arrayOffset, stride}}
}

// ---------------------------------------------------------------------------
// Shared array plumbing
// ---------------------------------------------------------------------------

type mirrorBase struct {
	img    hostmem.MutableImage
	base   hostmem.Addr
	offset int32
	stride int32
}

func (m *mirrorBase) array() hostmem.Addr { return m.base + hostmem.Addr(m.offset) }

func (m *mirrorBase) Count() int32 {
	n, err := hostmem.ReadI32(m.img, m.array()+arrayCountOff)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (m *mirrorBase) ItemAt(i int32) hostmem.Addr {
	if i < 0 || i >= m.Count() {
		return 0
	}
	data, err := hostmem.ReadPtr(m.img, m.array()+arrayDataOff)
	if err != nil || data.IsZero() {
		return 0
	}
	return data + hostmem.Addr(i)*hostmem.Addr(m.stride)
}

func (m *mirrorBase) itemField(i, fieldOff int32) (int32, error) {
	item := m.ItemAt(i)
	if item.IsZero() {
		return 0, fmt.Errorf("%w: item %d", ErrIndexOutOfRange, i)
	}
	v, err := hostmem.ReadI32(m.img, item+hostmem.Addr(fieldOff))
	if err != nil {
		return 0, fmt.Errorf("%w: item %d: %v", ErrBadContainer, i, err)
	}
	return v, nil
}

func (m *mirrorBase) setItemField(i, fieldOff, v int32) error {
	item := m.ItemAt(i)
	if item.IsZero() {
		return fmt.Errorf("%w: item %d", ErrIndexOutOfRange, i)
	}
	if err := hostmem.WriteI32(m.img, item+hostmem.Addr(fieldOff), v); err != nil {
		return fmt.Errorf("%w: item %d: %v", ErrBadContainer, i, err)
	}
	return nil
}

func (m *mirrorBase) ItemID(i int32) (int32, error)  { return m.itemField(i, itemIDOff) }
func (m *mirrorBase) ItemKey(i int32) (int32, error) { return m.itemField(i, itemKeyOff) }

// ---------------------------------------------------------------------------
// Legacy mirror (product < 8.30)
// ---------------------------------------------------------------------------

// legacyMirror views containers that predate the container-level key.
// The host replicates them by rescanning item keys, so every item
// counts as dirty and bulk dirtying touches the items themselves.
type legacyMirror struct {
	mirrorBase
}

func (m *legacyMirror) Keyed() bool            { return false }
func (m *legacyMirror) IDCounter() int32       { return 0 }
func (m *legacyMirror) IsItemDirty(int32) bool { return true }

func (m *legacyMirror) ArrayKey() int32 {
	var max int32
	for i := int32(0); i < m.Count(); i++ {
		if k, err := m.ItemKey(i); err == nil && k > max {
			max = k
		}
	}
	return max
}

func (m *legacyMirror) MarkDirty(i int32) error {
	k, err := m.ItemKey(i)
	if err != nil {
		return err
	}
	return m.setItemField(i, itemKeyOff, k+1)
}

func (m *legacyMirror) MarkAllDirty() error {
	for i := int32(0); i < m.Count(); i++ {
		if err := m.MarkDirty(i); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Keyed mirror (product >= 8.30)
// ---------------------------------------------------------------------------

type keyedMirror struct {
	mirrorBase
	opts Options
}

func (m *keyedMirror) Keyed() bool { return true }

func (m *keyedMirror) ArrayKey() int32 {
	k, err := hostmem.ReadI32(m.img, m.base+hostmem.Addr(m.opts.ArrayKeyOffset))
	if err != nil {
		return 0
	}
	return k
}

func (m *keyedMirror) IDCounter() int32 {
	c, err := hostmem.ReadI32(m.img, m.base+hostmem.Addr(m.opts.IDCounterOffset))
	if err != nil {
		return 0
	}
	return c
}

func (m *keyedMirror) bumpArrayKey() error {
	addr := m.base + hostmem.Addr(m.opts.ArrayKeyOffset)
	k, err := hostmem.ReadI32(m.img, addr)
	if err != nil {
		return fmt.Errorf("%w: array key: %v", ErrBadContainer, err)
	}
	if err := hostmem.WriteI32(m.img, addr, k+1); err != nil {
		return fmt.Errorf("%w: array key: %v", ErrBadContainer, err)
	}
	return nil
}

// IsItemDirty compares the array key the item last saw against the
// container's current one.
func (m *keyedMirror) IsItemDirty(i int32) bool {
	seen, err := m.itemField(i, itemArrayKeyOff)
	if err != nil {
		return false
	}
	return seen != m.ArrayKey()
}

// MarkDirty grants the item an id if it never had one, bumps its key
// and bumps the container key so the host picks the change up.
func (m *keyedMirror) MarkDirty(i int32) error {
	id, err := m.ItemID(i)
	if err != nil {
		return err
	}
	if id == UnassignedID {
		counterAddr := m.base + hostmem.Addr(m.opts.IDCounterOffset)
		next := m.IDCounter()
		if err := m.setItemField(i, itemIDOff, next); err != nil {
			return err
		}
		if err := hostmem.WriteI32(m.img, counterAddr, next+1); err != nil {
			return fmt.Errorf("%w: id counter: %v", ErrBadContainer, err)
		}
	}
	k, err := m.ItemKey(i)
	if err != nil {
		return err
	}
	if err := m.setItemField(i, itemKeyOff, k+1); err != nil {
		return err
	}
	return m.bumpArrayKey()
}

// MarkAllDirty bumps the container key first so items compare stale,
// then touches every item key.
func (m *keyedMirror) MarkAllDirty() error {
	if err := m.bumpArrayKey(); err != nil {
		return err
	}
	for i := int32(0); i < m.Count(); i++ {
		k, err := m.ItemKey(i)
		if err != nil {
			return err
		}
		if err := m.setItemField(i, itemKeyOff, k+1); err != nil {
			return err
		}
	}
	return nil
}
