// Package snapshot captures host memory to a portable file and
// replays it as an image. Snapshots make crashes reproducible: a
// capture taken in the field drives the same decoding paths on a
// developer machine.
package snapshot

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/spyglassmod/spyglass/hostmem"
)

var log = commonlog.GetLogger("spyglass.snapshot")

// FormatVersion is bumped on incompatible encoding changes.
const FormatVersion = 1

var (
	ErrBadFormat   = errors.New("snapshot: unrecognized format version")
	ErrEmptyRegion = errors.New("snapshot: empty region")
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Region is one captured span of host memory.
type Region struct {
	Start uint64 `cbor:"1,keyasint"`
	Prot  uint8  `cbor:"2,keyasint"`
	Data  []byte `cbor:"3,keyasint"`
}

// Snapshot is a captured image.
type Snapshot struct {
	Version int      `cbor:"1,keyasint"`
	Base    uint64   `cbor:"2,keyasint"`
	Regions []Region `cbor:"3,keyasint"`
}

// Capture reads the given regions out of the image. A nil region list
// captures every region the image reports.
func Capture(img hostmem.Image, regions []hostmem.Region) (*Snapshot, error) {
	if regions == nil {
		regions = img.Regions()
	}
	s := &Snapshot{Version: FormatVersion, Base: uint64(img.Base())}
	for _, r := range regions {
		if r.Size == 0 {
			return nil, fmt.Errorf("%w: %#x", ErrEmptyRegion, uint64(r.Start))
		}
		data := make([]byte, r.Size)
		if err := img.ReadAt(r.Start, data); err != nil {
			return nil, fmt.Errorf("snapshot: capturing %#x+%#x: %w", uint64(r.Start), r.Size, err)
		}
		s.Regions = append(s.Regions, Region{
			Start: uint64(r.Start),
			Prot:  uint8(r.Prot),
			Data:  data,
		})
	}
	log.Infof("captured %d regions from image at %#x", len(s.Regions), s.Base)
	return s, nil
}

// Write encodes the snapshot in canonical form.
func (s *Snapshot) Write(w io.Writer) error {
	if err := encMode.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("snapshot: encoding: %w", err)
	}
	return nil
}

// Read decodes a snapshot and validates its format version.
func Read(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("snapshot: decoding: %w", err)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadFormat, s.Version)
	}
	return &s, nil
}

// Image replays the snapshot as an in-memory image with the captured
// bases and protections.
func (s *Snapshot) Image() (*hostmem.Buffer, error) {
	regions := make([]hostmem.Region, len(s.Regions))
	for i, r := range s.Regions {
		regions[i] = hostmem.Region{
			Start: hostmem.Addr(r.Start),
			Size:  uint64(len(r.Data)),
			Prot:  hostmem.Protection(r.Prot),
		}
	}
	img, err := hostmem.NewBufferRegions(regions)
	if err != nil {
		return nil, fmt.Errorf("snapshot: rebuilding image: %w", err)
	}
	for _, r := range s.Regions {
		img.Place(hostmem.Addr(r.Start), r.Data)
	}
	return img, nil
}
