// Package hostmem provides validated access to the memory image of the
// host process. All reads and writes are checked against a region table
// before they touch memory, so a bad pointer produces an error instead
// of a fault.
package hostmem

import "errors"

// ---------------------------------------------------------------------------
// Addresses and regions
// ---------------------------------------------------------------------------

// Addr is an address inside the host image. It is never dereferenced
// directly by callers; all access goes through an Image. The zero value
// is always invalid.
type Addr uint64

// IsZero reports whether the address is the invalid zero address.
func (a Addr) IsZero() bool { return a == 0 }

// Protection describes what kind of access a region admits.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// CanRead reports whether the protection admits reads.
func (p Protection) CanRead() bool { return p&ProtRead != 0 }

// CanWrite reports whether the protection admits writes.
func (p Protection) CanWrite() bool { return p&ProtWrite != 0 }

func (p Protection) String() string {
	buf := []byte("---")
	if p&ProtRead != 0 {
		buf[0] = 'r'
	}
	if p&ProtWrite != 0 {
		buf[1] = 'w'
	}
	if p&ProtExec != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// Region is a contiguous mapped range of the host image.
type Region struct {
	Start Addr
	Size  uint64
	Prot  Protection
}

// End returns the first address past the region.
func (r Region) End() Addr { return r.Start + Addr(r.Size) }

// Contains reports whether [addr, addr+n) falls entirely inside the region.
func (r Region) Contains(addr Addr, n int) bool {
	if n < 0 || addr < r.Start {
		return false
	}
	return uint64(addr-r.Start)+uint64(n) <= r.Size
}

// ---------------------------------------------------------------------------
// Image interfaces
// ---------------------------------------------------------------------------

// Image is a readable view of a host memory image. Implementations
// validate every access against their region table; no call traps.
type Image interface {
	// Base returns the load address of the main module.
	Base() Addr

	// Size returns the mapped size of the main module.
	Size() uint64

	// Regions returns a snapshot of the mapped regions.
	Regions() []Region

	// Readable reports whether [addr, addr+n) is fully mapped readable.
	Readable(addr Addr, n int) bool

	// ReadAt fills p from addr. Partial reads do not occur: either the
	// whole range is copied or an error is returned.
	ReadAt(addr Addr, p []byte) error
}

// MutableImage is an Image that also accepts writes.
type MutableImage interface {
	Image

	// Writable reports whether [addr, addr+n) is fully mapped writable.
	Writable(addr Addr, n int) bool

	// WriteAt copies p to addr, all or nothing.
	WriteAt(addr Addr, p []byte) error
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidParameter indicates a caller-supplied address or size
	// that cannot be valid (zero address, negative length).
	ErrInvalidParameter = errors.New("hostmem: invalid parameter")

	// ErrReadFailed indicates the target range is not mapped readable.
	ErrReadFailed = errors.New("hostmem: read failed")

	// ErrWriteFailed indicates the target range is not mapped writable.
	ErrWriteFailed = errors.New("hostmem: write failed")

	// ErrPatternNotFound indicates a signature scan found no match.
	ErrPatternNotFound = errors.New("hostmem: pattern not found")
)
