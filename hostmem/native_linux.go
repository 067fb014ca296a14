//go:build linux

package hostmem

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Native: in-process image
// ---------------------------------------------------------------------------

// Native reads the current process's own address space. The region
// table comes from /proc/self/maps and every access is validated
// against it before the memory is touched, so an unmapped or
// protected target yields an error rather than a fault.
//
// The table is a snapshot; callers that expect the host to remap
// (module loads, large allocations) should RefreshRegions first.
type Native struct {
	mu      sync.RWMutex
	regions []Region
	base    Addr
	size    uint64
}

// NewNative builds a Native image from the current region table. The
// main module is identified by the executable's path; its first
// mapping becomes Base.
func NewNative() (*Native, error) {
	n := &Native{}
	if err := n.RefreshRegions(); err != nil {
		return nil, err
	}
	return n, nil
}

// RefreshRegions re-reads /proc/self/maps.
func (n *Native) RefreshRegions() error {
	exe, _ := os.Readlink("/proc/self/exe")

	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return fmt.Errorf("reading region table: %w", err)
	}
	defer f.Close()

	var (
		regions []Region
		base    Addr
		exeEnd  Addr
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		r, path, ok := parseMapsLine(sc.Text())
		if !ok {
			continue
		}
		regions = append(regions, r)
		if exe != "" && path == exe {
			if base == 0 {
				base = r.Start
			}
			if r.End() > exeEnd {
				exeEnd = r.End()
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading region table: %w", err)
	}
	if base == 0 && len(regions) > 0 {
		base = regions[0].Start
		exeEnd = regions[0].End()
	}

	n.mu.Lock()
	n.regions = regions
	n.base = base
	n.size = uint64(exeEnd - base)
	n.mu.Unlock()
	return nil
}

// parseMapsLine parses one /proc/self/maps line:
// "559f8c4000-559f8c5000 r-xp 00000000 08:01 131090  /usr/bin/foo"
func parseMapsLine(line string) (Region, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Region{}, "", false
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Region{}, "", false
	}
	start, err1 := strconv.ParseUint(lo, 16, 64)
	end, err2 := strconv.ParseUint(hi, 16, 64)
	if err1 != nil || err2 != nil || end <= start {
		return Region{}, "", false
	}
	var prot Protection
	perms := fields[1]
	if strings.ContainsRune(perms, 'r') {
		prot |= ProtRead
	}
	if strings.ContainsRune(perms, 'w') {
		prot |= ProtWrite
	}
	if strings.ContainsRune(perms, 'x') {
		prot |= ProtExec
	}
	var path string
	if len(fields) >= 6 {
		path = fields[5]
	}
	return Region{Start: Addr(start), Size: end - start, Prot: prot}, path, true
}

// Base returns the main module's load address.
func (n *Native) Base() Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.base
}

// Size returns the main module's mapped span.
func (n *Native) Size() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.size
}

// Regions returns a copy of the current region snapshot.
func (n *Native) Regions() []Region {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Region(nil), n.regions...)
}

func (n *Native) find(addr Addr, size int, want Protection) bool {
	if addr.IsZero() || size < 0 {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for i := range n.regions {
		r := &n.regions[i]
		if r.Contains(addr, size) {
			return r.Prot&want == want
		}
	}
	return false
}

// Readable reports whether the range is mapped readable.
func (n *Native) Readable(addr Addr, size int) bool {
	return n.find(addr, size, ProtRead)
}

// Writable reports whether the range is mapped writable.
func (n *Native) Writable(addr Addr, size int) bool {
	return n.find(addr, size, ProtWrite)
}

// ReadAt copies from the live address space after validating the range.
func (n *Native) ReadAt(addr Addr, p []byte) error {
	if addr.IsZero() {
		return ErrInvalidParameter
	}
	if !n.Readable(addr, len(p)) {
		return fmt.Errorf("%w: %#x+%d", ErrReadFailed, uint64(addr), len(p))
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(p))
	copy(p, src)
	return nil
}

// WriteAt copies into the live address space after validating the range.
func (n *Native) WriteAt(addr Addr, p []byte) error {
	if addr.IsZero() {
		return ErrInvalidParameter
	}
	if !n.Writable(addr, len(p)) {
		return fmt.Errorf("%w: %#x+%d", ErrWriteFailed, uint64(addr), len(p))
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(p))
	copy(dst, p)
	return nil
}
