package hostmem

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Buffer: heap-backed image
// ---------------------------------------------------------------------------

// Buffer is an Image backed by an ordinary byte slice. Snapshot replay
// and tests use it to stand in for a live process image. Addresses are
// preserved: a Buffer based at 0x140000000 answers reads at the same
// addresses the live image would.
type Buffer struct {
	base    Addr
	data    []byte
	regions []Region
}

// NewBuffer creates a zero-filled buffer of size bytes based at base,
// mapped as one read-write region.
func NewBuffer(base Addr, size int) *Buffer {
	return &Buffer{
		base: base,
		data: make([]byte, size),
		regions: []Region{
			{Start: base, Size: uint64(size), Prot: ProtRead | ProtWrite},
		},
	}
}

// NewBufferRegions creates a buffer spanning the given regions. The
// regions must be sorted and non-overlapping; content starts zeroed.
func NewBufferRegions(regions []Region) (*Buffer, error) {
	if len(regions) == 0 {
		return nil, ErrInvalidParameter
	}
	rs := append([]Region(nil), regions...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	for i := 1; i < len(rs); i++ {
		if rs[i].Start < rs[i-1].End() {
			return nil, fmt.Errorf("overlapping regions at %#x: %w", uint64(rs[i].Start), ErrInvalidParameter)
		}
	}
	base := rs[0].Start
	span := uint64(rs[len(rs)-1].End() - base)
	return &Buffer{base: base, data: make([]byte, span), regions: rs}, nil
}

// Base returns the buffer's base address.
func (b *Buffer) Base() Addr { return b.base }

// Size returns the addressable span of the buffer.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Regions returns a copy of the region table.
func (b *Buffer) Regions() []Region {
	return append([]Region(nil), b.regions...)
}

// SetProtection overrides the protection of every region overlapping
// [start, start+size). Region boundaries are not split; fixture layouts
// should align protection changes to region edges.
func (b *Buffer) SetProtection(start Addr, size uint64, prot Protection) {
	end := start + Addr(size)
	for i := range b.regions {
		r := &b.regions[i]
		if r.Start < end && start < r.End() {
			r.Prot = prot
		}
	}
}

func (b *Buffer) region(addr Addr, n int) *Region {
	for i := range b.regions {
		if b.regions[i].Contains(addr, n) {
			return &b.regions[i]
		}
	}
	return nil
}

// Readable reports whether the range is inside a readable region.
func (b *Buffer) Readable(addr Addr, n int) bool {
	r := b.region(addr, n)
	return r != nil && r.Prot.CanRead()
}

// Writable reports whether the range is inside a writable region.
func (b *Buffer) Writable(addr Addr, n int) bool {
	r := b.region(addr, n)
	return r != nil && r.Prot.CanWrite()
}

// ReadAt fills p from addr.
func (b *Buffer) ReadAt(addr Addr, p []byte) error {
	if addr.IsZero() {
		return ErrInvalidParameter
	}
	if !b.Readable(addr, len(p)) {
		return fmt.Errorf("%w: %#x+%d", ErrReadFailed, uint64(addr), len(p))
	}
	off := uint64(addr - b.base)
	copy(p, b.data[off:off+uint64(len(p))])
	return nil
}

// WriteAt copies p to addr.
func (b *Buffer) WriteAt(addr Addr, p []byte) error {
	if addr.IsZero() {
		return ErrInvalidParameter
	}
	if !b.Writable(addr, len(p)) {
		return fmt.Errorf("%w: %#x+%d", ErrWriteFailed, uint64(addr), len(p))
	}
	off := uint64(addr - b.base)
	copy(b.data[off:], p)
	return nil
}

// Place copies raw bytes into the buffer ignoring protection. Fixtures
// use it to lay out read-only structures before handing the buffer out.
func (b *Buffer) Place(addr Addr, p []byte) {
	off := uint64(addr - b.base)
	copy(b.data[off:], p)
}

// Bytes exposes the backing store for snapshot capture.
func (b *Buffer) Bytes() []byte { return b.data }
