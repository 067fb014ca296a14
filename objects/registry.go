package objects

import (
	"fmt"

	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/version"
)

// Both registry shapes share the slot encoding; only the slot storage
// differs. The inner array header sits behind a small outer wrapper.
const (
	registryInnerOff = 0x10
	itemStride       = 0x18

	itemObjectOff  = 0x00
	itemFlagsOff   = 0x08
	itemClusterOff = 0x0C
	itemSerialOff  = 0x10
)

// NewRegistry constructs the registry decoder matching the detected
// feature set. base is the address of the global registry wrapper.
func NewRegistry(img hostmem.Image, base hostmem.Addr, flags version.Flags) Registry {
	if flags.ChunkedRegistry {
		log.Infof("using chunked object registry at %#x", uint64(base))
		return &chunkedRegistry{img: img, base: base}
	}
	log.Infof("using flat object registry at %#x", uint64(base))
	return &flatRegistry{img: img, base: base}
}

// ---------------------------------------------------------------------------
// Flat registry (pre-4.21): one contiguous slot array
// ---------------------------------------------------------------------------

type flatRegistry struct {
	img  hostmem.Image
	base hostmem.Addr
}

// NewFlatRegistry decodes the single-array registry shape.
func NewFlatRegistry(img hostmem.Image, base hostmem.Addr) Registry {
	return &flatRegistry{img: img, base: base}
}

func (r *flatRegistry) inner() hostmem.Addr { return r.base + registryInnerOff }

func (r *flatRegistry) Count() int32 {
	n, err := hostmem.ReadI32(r.img, r.inner()+0x0C)
	if err != nil {
		return 0
	}
	return n
}

func (r *flatRegistry) slot(i int32) (hostmem.Addr, error) {
	if i < 0 || i >= r.Count() {
		return 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	items, err := hostmem.ReadPtr(r.img, r.inner())
	if err != nil || items.IsZero() {
		return 0, ErrNilEntry
	}
	return items + hostmem.Addr(i)*itemStride, nil
}

func (r *flatRegistry) Get(i int32) Handle {
	slot, err := r.slot(i)
	if err != nil {
		return 0
	}
	h, err := hostmem.ReadPtr(r.img, slot+itemObjectOff)
	if err != nil {
		return 0
	}
	return h
}

func (r *flatRegistry) Item(i int32) (Item, error) {
	slot, err := r.slot(i)
	if err != nil {
		return Item{}, err
	}
	return readItem(r.img, slot)
}

// ---------------------------------------------------------------------------
// Chunked registry (4.21+): array of fixed-size slot chunks
// ---------------------------------------------------------------------------

const itemsPerChunk = 65536

type chunkedRegistry struct {
	img  hostmem.Image
	base hostmem.Addr
}

// NewChunkedRegistry decodes the chunked registry shape.
func NewChunkedRegistry(img hostmem.Image, base hostmem.Addr) Registry {
	return &chunkedRegistry{img: img, base: base}
}

func (r *chunkedRegistry) inner() hostmem.Addr { return r.base + registryInnerOff }

func (r *chunkedRegistry) Count() int32 {
	n, err := hostmem.ReadI32(r.img, r.inner()+0x14)
	if err != nil {
		return 0
	}
	return n
}

func (r *chunkedRegistry) slot(i int32) (hostmem.Addr, error) {
	if i < 0 || i >= r.Count() {
		return 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	chunks, err := hostmem.ReadPtr(r.img, r.inner())
	if err != nil || chunks.IsZero() {
		return 0, ErrNilEntry
	}
	chunk, err := hostmem.ReadPtr(r.img, chunks+hostmem.Addr(i/itemsPerChunk)*8)
	if err != nil || chunk.IsZero() {
		return 0, ErrNilEntry
	}
	return chunk + hostmem.Addr(i%itemsPerChunk)*itemStride, nil
}

func (r *chunkedRegistry) Get(i int32) Handle {
	slot, err := r.slot(i)
	if err != nil {
		return 0
	}
	h, err := hostmem.ReadPtr(r.img, slot+itemObjectOff)
	if err != nil {
		return 0
	}
	return h
}

func (r *chunkedRegistry) Item(i int32) (Item, error) {
	slot, err := r.slot(i)
	if err != nil {
		return Item{}, err
	}
	return readItem(r.img, slot)
}

func readItem(img hostmem.Image, slot hostmem.Addr) (Item, error) {
	h, err := hostmem.ReadPtr(img, slot+itemObjectOff)
	if err != nil {
		return Item{}, fmt.Errorf("objects: reading item: %w", err)
	}
	flags, err := hostmem.ReadU32(img, slot+itemFlagsOff)
	if err != nil {
		return Item{}, fmt.Errorf("objects: reading item: %w", err)
	}
	cluster, err := hostmem.ReadI32(img, slot+itemClusterOff)
	if err != nil {
		return Item{}, fmt.Errorf("objects: reading item: %w", err)
	}
	serial, err := hostmem.ReadI32(img, slot+itemSerialOff)
	if err != nil {
		return Item{}, fmt.Errorf("objects: reading item: %w", err)
	}
	return Item{
		Handle:       h,
		Flags:        ItemFlags(flags),
		ClusterIndex: cluster,
		Serial:       serial,
	}, nil
}
