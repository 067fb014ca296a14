package version

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/spyglassmod/spyglass/hostmem"
)

var log = commonlog.GetLogger("spyglass.version")

// ---------------------------------------------------------------------------
// Detection
// ---------------------------------------------------------------------------

// Detection state. The resolver runs the ladder exactly once; later
// calls observe the cached result.
type state int

const (
	stateUndetected state = iota
	stateDetecting
	stateDetected
	stateUnsupported
)

// defaultMarker is the prefix of the release string stamped into every
// host build, e.g. "++Fortnite+Release-8.30-CL-4975227".
const defaultMarker = "++Fortnite+Release"

// Probe signatures. These anchor on code the host emits around its
// global structures, which is stable within a generation even as data
// offsets drift.
var (
	// Accessor returning the full build string through a global.
	sigBuildAccessor = hostmem.MustParseSignature(
		"48 8B 05 ?? ?? ?? ?? 48 85 C0 75 ?? 48 8D 0D ?? ?? ?? ?? E8")

	// Packed name pool bootstrap (4.23+).
	sigPackedNames = hostmem.MustParseSignature(
		"48 8D 0D ?? ?? ?? ?? E8 ?? ?? ?? ?? C6 05 ?? ?? ?? ?? 01")

	// Indirect name table access (pre-4.23).
	sigLegacyNames = hostmem.MustParseSignature(
		"48 8B 05 ?? ?? ?? ?? 48 85 C0 75 50 B9")

	// Chunked registry indexing (4.21+).
	sigChunkedRegistry = hostmem.MustParseSignature(
		"48 8B 05 ?? ?? ?? ?? 48 8B 0C C8 48 8D 04 D1")

	// Detached field chain walk (4.25+).
	sigDetachedFields = hostmem.MustParseSignature(
		"48 8B 41 40 48 85 C0 74 ?? 48 8B 40 20")
)

// Representative records for structural probes. When only the shape of
// the image is known, the oldest revision of the matching band is
// assumed; layouts are shared within a band so this is safe.
var probeDefaults = map[Generation]Record{
	Gen4_25: {EngineMajor: 4, EngineMinor: 25, Revision: 9500000, ProductMajor: 15, ProductMinor: 0},
	Gen4_23: {EngineMajor: 4, EngineMinor: 23, Revision: 5200000, ProductMajor: 9, ProductMinor: 0},
	Gen4_20: {EngineMajor: 4, EngineMinor: 21, Revision: 4300000, ProductMajor: 5, ProductMinor: 0},
	Gen4_16: {EngineMajor: 4, EngineMinor: 16, Revision: 3724489, ProductMajor: 1, ProductMinor: 80},
}

// Resolver detects the host build version from a memory image.
type Resolver struct {
	mu     sync.Mutex
	state  state
	record Record

	table *MappingTable

	// Marker overrides the release-string prefix. Empty means the
	// default product marker.
	Marker string
}

// NewResolver creates a resolver over the given mapping table.
func NewResolver(table *MappingTable) *Resolver {
	return &Resolver{table: table}
}

// Detect runs the detection ladder against img. Each rung is tried in
// order and the first success wins:
//
//  1. the release string embedded in the image
//  2. the build string reached through the runtime accessor global
//  3. structural probes for generation-specific code shapes
//  4. the conservative default (oldest supported build)
//
// The only error is ErrUnsupportedVersion; every rung failure falls
// through to the next.
func (r *Resolver) Detect(img hostmem.Image) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateDetected:
		return r.record, nil
	case stateUnsupported:
		return Record{}, fmt.Errorf("%s: %w", r.record.Engine(), ErrUnsupportedVersion)
	}
	r.state = stateDetecting

	rec, by := r.detect(img)
	if err := rec.finish(by); err != nil {
		r.record = rec
		r.state = stateUnsupported
		log.Errorf("unsupported host build: engine %s, product %s", rec.Engine(), rec.Product())
		return Record{}, err
	}

	r.record = rec
	r.state = stateDetected
	log.Infof("detected host build: engine %s, product %s, revision %d (by %s)",
		rec.Engine(), rec.Product(), rec.Revision, rec.DetectedBy)
	log.Infof("features: chunkedRegistry=%v packedNames=%v detachedFields=%v keyedReplication=%v indirectRefs=%v",
		rec.Flags.ChunkedRegistry, rec.Flags.PackedNames, rec.Flags.DetachedFields,
		rec.Flags.KeyedReplication, rec.Flags.IndirectObjectRefs)
	return rec, nil
}

// Record returns the detection result, or false if Detect has not
// succeeded.
func (r *Resolver) Record() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record, r.state == stateDetected
}

func (r *Resolver) detect(img hostmem.Image) (Record, Strategy) {
	if rec, ok := r.fromReleaseString(img); ok {
		return rec, ByVersionString
	}
	log.Info("release string not found, trying runtime accessor")

	if rec, ok := r.fromAccessor(img); ok {
		return rec, ByRuntimeAccessor
	}
	log.Info("runtime accessor not found, trying structural probes")

	if rec, ok := r.fromProbes(img); ok {
		return rec, ByStructuralProbe
	}
	log.Warning("structural probes failed, assuming oldest supported build")

	return probeDefaults[Gen4_16], ByDefault
}

func (r *Resolver) marker() string {
	if r.Marker != "" {
		return r.Marker
	}
	return defaultMarker
}

// fromReleaseString scans the image for the release string and parses
// the revision out of it.
func (r *Resolver) fromReleaseString(img hostmem.Image) (Record, bool) {
	sig := hostmem.LiteralSignature([]byte(r.marker()))
	addr, err := sig.Find(img)
	if err != nil {
		return Record{}, false
	}

	s, err := hostmem.ReadCString(img, addr, 64)
	if err != nil {
		return Record{}, false
	}
	log.Infof("found release string: %s", s)

	rev, ok := parseRevisionSuffix(s)
	if !ok {
		log.Warningf("release string has no revision suffix: %s", s)
		return Record{}, false
	}
	return r.mapRevision(rev)
}

// fromAccessor locates the build-string global through its accessor
// and parses the revision from the referenced dynamic string. The
// build string has the form "4.23.1-5110300+++Fortnite+Release-9.00":
// the revision sits between the first '-' and the "+++".
func (r *Resolver) fromAccessor(img hostmem.Image) (Record, bool) {
	at, err := sigBuildAccessor.Find(img)
	if err != nil {
		return Record{}, false
	}
	slot, err := hostmem.ResolveRelative(img, at, 7, 3)
	if err != nil {
		return Record{}, false
	}

	// The global is a dynamic string: data pointer then length.
	data, err := hostmem.ReadPtr(img, slot)
	if err != nil || data.IsZero() {
		return Record{}, false
	}
	n, err := hostmem.ReadI32(img, slot+8)
	if err != nil || n <= 0 || n > 256 {
		return Record{}, false
	}
	s, err := hostmem.ReadWString(img, data, int(n))
	if err != nil {
		return Record{}, false
	}
	log.Infof("found build string: %s", s)

	dash := strings.IndexByte(s, '-')
	plus := strings.Index(s, "+++")
	if dash < 0 || plus < 0 || plus <= dash {
		log.Warningf("cannot parse build string: %s", s)
		return Record{}, false
	}
	rev, err := strconv.ParseUint(s[dash+1:plus], 10, 64)
	if err != nil || rev == 0 {
		return Record{}, false
	}
	return r.mapRevision(rev)
}

// fromProbes classifies the image by which generation-specific code
// shapes are present.
func (r *Resolver) fromProbes(img hostmem.Image) (Record, bool) {
	has := func(s *hostmem.Signature) bool {
		_, err := s.Find(img)
		return err == nil
	}

	packed := has(sigPackedNames)
	switch {
	case packed && has(sigDetachedFields):
		log.Info("probe: detached fields present, assuming 4.25 band")
		return probeDefaults[Gen4_25], true
	case packed:
		log.Info("probe: packed name pool present, assuming 4.23 band")
		return probeDefaults[Gen4_23], true
	case has(sigLegacyNames):
		if has(sigChunkedRegistry) {
			log.Info("probe: chunked registry present, assuming 4.21 band")
			return probeDefaults[Gen4_20], true
		}
		log.Info("probe: legacy name table present, assuming 4.16 band")
		return probeDefaults[Gen4_16], true
	}
	return Record{}, false
}

func (r *Resolver) mapRevision(rev uint64) (Record, bool) {
	rec, ok := r.table.Lookup(rev)
	if !ok {
		first, last := r.table.Span()
		log.Warningf("revision %d outside mapping table [%d, %d]", rev, first, last)
		return Record{}, false
	}
	return rec, true
}

// parseRevisionSuffix extracts the trailing revision from a release
// string like "++Fortnite+Release-8.30-CL-4975227".
func parseRevisionSuffix(s string) (uint64, bool) {
	const tag = "CL-"
	i := strings.LastIndex(s, tag)
	if i < 0 {
		return 0, false
	}
	digits := s[i+len(tag):]
	j := 0
	for j < len(digits) && digits[j] >= '0' && digits[j] <= '9' {
		j++
	}
	if j == 0 {
		return 0, false
	}
	rev, err := strconv.ParseUint(digits[:j], 10, 64)
	if err != nil || rev == 0 {
		return 0, false
	}
	return rev, true
}
