package objects

import (
	"fmt"

	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/version"
)

// NewNameTable constructs the name decoder matching the detected
// feature set. base is the address of the global name pool.
func NewNameTable(img hostmem.Image, base hostmem.Addr, flags version.Flags) NameTable {
	if flags.PackedNames {
		log.Infof("using packed name pool at %#x", uint64(base))
		return &packedNames{img: img, base: base}
	}
	log.Infof("using indirect name table at %#x", uint64(base))
	return &indirectNames{img: img, base: base}
}

// ---------------------------------------------------------------------------
// Indirect table (pre-4.23): chunked array of entry pointers
// ---------------------------------------------------------------------------

const (
	indirectEntriesPerChunk = 16384
	indirectTextOff         = 0x10
)

type indirectNames struct {
	img  hostmem.Image
	base hostmem.Addr
}

// NewIndirectNames decodes the entry-pointer table shape.
func NewIndirectNames(img hostmem.Image, base hostmem.Addr) NameTable {
	return &indirectNames{img: img, base: base}
}

func (t *indirectNames) Resolve(index int32) (Name, error) {
	if index < 0 {
		return Name{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	chunkAddr := t.base + hostmem.Addr(index/indirectEntriesPerChunk)*8
	chunk, err := hostmem.ReadPtr(t.img, chunkAddr)
	if err != nil || chunk.IsZero() {
		return Name{}, fmt.Errorf("%w: name %d", ErrNilEntry, index)
	}
	entry, err := hostmem.ReadPtr(t.img, chunk+hostmem.Addr(index%indirectEntriesPerChunk)*8)
	if err != nil || entry.IsZero() {
		return Name{}, fmt.Errorf("%w: name %d", ErrNilEntry, index)
	}

	// The header's low bit flags a wide entry; the rest is the pool
	// index, which we do not need.
	header, err := hostmem.ReadI32(t.img, entry)
	if err != nil {
		return Name{}, fmt.Errorf("%w: name %d", ErrBadName, index)
	}
	wide := header&1 != 0

	var text string
	if wide {
		text, err = hostmem.ReadWString(t.img, entry+indirectTextOff, hostmem.MaxStringLen)
	} else {
		text, err = hostmem.ReadCString(t.img, entry+indirectTextOff, hostmem.MaxStringLen)
	}
	if err != nil {
		return Name{}, fmt.Errorf("%w: name %d: %v", ErrBadName, index, err)
	}
	return Name{Text: text, Wide: wide, Length: len(text)}, nil
}

func (t *indirectNames) String(index int32) string {
	n, err := t.Resolve(index)
	if err != nil {
		return ""
	}
	return n.Text
}

// ---------------------------------------------------------------------------
// Packed pool (4.23+): length-prefixed entries packed into blocks
// ---------------------------------------------------------------------------

const (
	packedCurrentBlockOff = 0x08
	packedBlocksOff       = 0x10
)

type packedNames struct {
	img  hostmem.Image
	base hostmem.Addr
}

// NewPackedNames decodes the block-packed pool shape.
func NewPackedNames(img hostmem.Image, base hostmem.Addr) NameTable {
	return &packedNames{img: img, base: base}
}

func (t *packedNames) Resolve(index int32) (Name, error) {
	if index < 0 {
		return Name{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	// The index packs a block number and a 2-byte-granular offset
	// within it.
	block := index >> 16
	byteOff := hostmem.Addr(index&0xFFFF) * 2

	current, err := hostmem.ReadU32(t.img, t.base+packedCurrentBlockOff)
	if err != nil {
		return Name{}, fmt.Errorf("%w: name %d", ErrBadName, index)
	}
	if uint32(block) > current {
		return Name{}, fmt.Errorf("%w: %d (block %d past %d)", ErrIndexOutOfRange, index, block, current)
	}

	blockPtr, err := hostmem.ReadPtr(t.img, t.base+packedBlocksOff+hostmem.Addr(block)*8)
	if err != nil || blockPtr.IsZero() {
		return Name{}, fmt.Errorf("%w: name %d", ErrNilEntry, index)
	}
	entry := blockPtr + byteOff

	// 2-byte header, then unterminated text of the stated length.
	header, err := hostmem.ReadU16(t.img, entry)
	if err != nil {
		return Name{}, fmt.Errorf("%w: name %d", ErrBadName, index)
	}
	wide := header&1 != 0
	length := int(header >> 1)
	if length == 0 || length > hostmem.MaxStringLen {
		return Name{}, fmt.Errorf("%w: name %d has length %d", ErrBadName, index, length)
	}

	var text string
	if wide {
		text, err = hostmem.ReadWStringN(t.img, entry+2, length)
	} else {
		buf := make([]byte, length)
		if err = t.img.ReadAt(entry+2, buf); err == nil {
			text = string(buf)
		}
	}
	if err != nil {
		return Name{}, fmt.Errorf("%w: name %d: %v", ErrBadName, index, err)
	}
	return Name{Text: text, Wide: wide, Length: length}, nil
}

func (t *packedNames) String(index int32) string {
	n, err := t.Resolve(index)
	if err != nil {
		return ""
	}
	return n.Text
}
