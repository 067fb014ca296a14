// Package version identifies which build of the host engine the
// process is running and derives the structural feature set from it.
// Everything downstream (registry format, name table format, field
// walking, replication) keys off the Record produced here.
package version

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Generations
// ---------------------------------------------------------------------------

// Generation is a band of engine releases that share binary layouts.
// The bands are ordered; comparisons with < and > are meaningful.
type Generation int

const (
	GenUnknown Generation = iota
	Gen4_16               // engine 4.16 - 4.19
	Gen4_20               // engine 4.20 - 4.22
	Gen4_23               // engine 4.23 - 4.24
	Gen4_25               // engine 4.25
	Gen4_26               // engine 4.26 - 4.27
	Gen5_0                // engine 5.0
	Gen5_1                // engine 5.1+
)

var generationNames = map[Generation]string{
	GenUnknown: "unknown",
	Gen4_16:    "4.16-4.19",
	Gen4_20:    "4.20-4.22",
	Gen4_23:    "4.23-4.24",
	Gen4_25:    "4.25",
	Gen4_26:    "4.26-4.27",
	Gen5_0:     "5.0",
	Gen5_1:     "5.1+",
}

func (g Generation) String() string {
	if s, ok := generationNames[g]; ok {
		return s
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Records and feature flags
// ---------------------------------------------------------------------------

// Flags is the structural feature set of a build. Every flag is a pure
// function of the version record; nothing is probed at runtime.
type Flags struct {
	// ChunkedRegistry: the object registry stores items in fixed-size
	// chunks instead of one flat array (engine 4.21+).
	ChunkedRegistry bool

	// PackedNames: the name table packs entries into blocks addressed
	// by a composite index instead of an indirect pointer array
	// (engine 4.23+).
	PackedNames bool

	// DetachedFields: reflected fields live outside the object graph
	// in a parallel hierarchy with their own layout (engine 4.25+).
	DetachedFields bool

	// KeyedReplication: delta-replicated arrays carry an array-level
	// replication key and per-item dirty tracking. This flipped with
	// product release 8.30, independent of the engine version.
	KeyedReplication bool

	// IndirectObjectRefs: object reference fields are wrapped in an
	// indirection cell instead of a raw pointer (engine 5.0+).
	IndirectObjectRefs bool
}

// Strategy records which rung of the detection ladder produced a Record.
type Strategy int

const (
	ByNone Strategy = iota
	ByVersionString          // embedded release string in the image
	ByRuntimeAccessor        // version string reached through a global
	ByStructuralProbe        // characteristic structure signatures
	ByDefault                // conservative fallback
)

var strategyNames = map[Strategy]string{
	ByNone:            "none",
	ByVersionString:   "version string",
	ByRuntimeAccessor: "runtime accessor",
	ByStructuralProbe: "structural probe",
	ByDefault:         "default",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return "none"
}

// Record fully identifies a host build.
type Record struct {
	EngineMajor int
	EngineMinor int

	// Revision is the monotonically increasing build number stamped
	// into every release.
	Revision uint64

	// ProductMajor.ProductMinor is the user-facing release number,
	// which does not track the engine version.
	ProductMajor int
	ProductMinor int

	Generation Generation
	Flags      Flags

	// DetectedBy records the detection strategy, for logging only.
	DetectedBy Strategy
}

// Engine returns the engine version as a display string.
func (r Record) Engine() string {
	return fmt.Sprintf("%d.%d", r.EngineMajor, r.EngineMinor)
}

// Product returns the product release as a display string.
func (r Record) Product() string {
	return fmt.Sprintf("%d.%02d", r.ProductMajor, r.ProductMinor)
}

// ErrUnsupportedVersion is the only fatal condition in the package: the
// detected build is outside the supported window and no layout data
// exists for it.
var ErrUnsupportedVersion = errors.New("version: unsupported host build")

// Supported reports whether layout data exists for the given engine
// version. The window is 4.16 through 4.27 and 5.0 through 5.2.
func Supported(major, minor int) bool {
	switch major {
	case 4:
		return minor >= 16 && minor <= 27
	case 5:
		return minor <= 2
	}
	return false
}

// DeriveGeneration maps an engine version to its layout generation.
func DeriveGeneration(major, minor int) Generation {
	switch major {
	case 4:
		switch {
		case minor <= 19:
			return Gen4_16
		case minor <= 22:
			return Gen4_20
		case minor <= 24:
			return Gen4_23
		case minor == 25:
			return Gen4_25
		default:
			return Gen4_26
		}
	case 5:
		if minor == 0 {
			return Gen5_0
		}
		return Gen5_1
	}
	return GenUnknown
}

// DeriveFlags computes the feature set for a build. KeyedReplication is
// the one flag driven by the product release rather than the engine
// version.
func DeriveFlags(engineMajor, engineMinor, productMajor, productMinor int) Flags {
	atLeast := func(maj, min int) bool {
		return engineMajor > maj || (engineMajor == maj && engineMinor >= min)
	}
	return Flags{
		ChunkedRegistry:    atLeast(4, 21),
		PackedNames:        atLeast(4, 23),
		DetachedFields:     atLeast(4, 25),
		KeyedReplication:   productMajor > 8 || (productMajor == 8 && productMinor >= 30),
		IndirectObjectRefs: engineMajor >= 5,
	}
}

// finish derives the computed parts of a record in place and checks the
// support window.
func (r *Record) finish(by Strategy) error {
	r.Generation = DeriveGeneration(r.EngineMajor, r.EngineMinor)
	r.Flags = DeriveFlags(r.EngineMajor, r.EngineMinor, r.ProductMajor, r.ProductMinor)
	r.DetectedBy = by
	if !Supported(r.EngineMajor, r.EngineMinor) {
		return fmt.Errorf("engine %s (product %s, revision %d): %w",
			r.Engine(), r.Product(), r.Revision, ErrUnsupportedVersion)
	}
	return nil
}
