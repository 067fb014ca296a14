package version

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ---------------------------------------------------------------------------
// Revision mapping table
// ---------------------------------------------------------------------------

// The mapping from build revisions to versions ships as data so a
// build can be patched for new releases without recompiling. The
// embedded copy covers revisions 3541083 through 19215531.

//go:embed revisions.toml
var embeddedMappings []byte

// MappingTable maps revision ranges to engine and product versions.
// Ranges are half-open [First, Next), sorted and contiguous; Load
// validates this so lookup can assume it.
type MappingTable struct {
	ranges []mappingRange
}

type mappingRange struct {
	First        uint64
	Next         uint64
	EngineMajor  int
	EngineMinor  int
	ProductMajor int
	ProductMinor int
}

type mappingFile struct {
	Ranges []mappingRow `toml:"range"`
}

type mappingRow struct {
	First   uint64 `toml:"first"`
	Next    uint64 `toml:"next"`
	Engine  string `toml:"engine"`
	Product string `toml:"product"`
}

// LoadMappingTable parses and validates a mapping table.
func LoadMappingTable(data []byte) (*MappingTable, error) {
	var file mappingFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse error in mapping table: %w", err)
	}
	if len(file.Ranges) == 0 {
		return nil, fmt.Errorf("mapping table has no ranges")
	}

	t := &MappingTable{ranges: make([]mappingRange, 0, len(file.Ranges))}
	for i, row := range file.Ranges {
		emaj, emin, err := parseDotted(row.Engine)
		if err != nil {
			return nil, fmt.Errorf("range %d: bad engine version %q: %w", i, row.Engine, err)
		}
		pmaj, pmin, err := parseDotted(row.Product)
		if err != nil {
			return nil, fmt.Errorf("range %d: bad product version %q: %w", i, row.Product, err)
		}
		if row.Next <= row.First {
			return nil, fmt.Errorf("range %d: empty range [%d, %d)", i, row.First, row.Next)
		}
		t.ranges = append(t.ranges, mappingRange{
			First:        row.First,
			Next:         row.Next,
			EngineMajor:  emaj,
			EngineMinor:  emin,
			ProductMajor: pmaj,
			ProductMinor: pmin,
		})
	}

	// Ranges must be sorted and contiguous: a revision that falls in a
	// gap would silently misclassify a build, so gaps are load errors.
	for i := 1; i < len(t.ranges); i++ {
		prev, cur := t.ranges[i-1], t.ranges[i]
		if cur.First < prev.Next {
			return nil, fmt.Errorf("range %d overlaps previous: [%d, %d) after [%d, %d)",
				i, cur.First, cur.Next, prev.First, prev.Next)
		}
		if cur.First > prev.Next {
			return nil, fmt.Errorf("gap in mapping table before range %d: [%d, %d) after [%d, %d)",
				i, cur.First, cur.Next, prev.First, prev.Next)
		}
	}

	return t, nil
}

// EmbeddedMappingTable loads the mapping table compiled into the binary.
func EmbeddedMappingTable() (*MappingTable, error) {
	return LoadMappingTable(embeddedMappings)
}

// MappingTableFromFile loads a mapping table from an external file,
// for builds newer than the embedded data.
func MappingTableFromFile(path string) (*MappingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	t, err := LoadMappingTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Lookup resolves a revision to its version. The second result is
// false when the revision falls outside the table.
func (t *MappingTable) Lookup(revision uint64) (Record, bool) {
	lo, hi := 0, len(t.ranges)
	for lo < hi {
		mid := (lo + hi) / 2
		r := t.ranges[mid]
		switch {
		case revision < r.First:
			hi = mid
		case revision >= r.Next:
			lo = mid + 1
		default:
			return Record{
				EngineMajor:  r.EngineMajor,
				EngineMinor:  r.EngineMinor,
				Revision:     revision,
				ProductMajor: r.ProductMajor,
				ProductMinor: r.ProductMinor,
			}, true
		}
	}
	return Record{}, false
}

// Span returns the lowest and highest revisions the table covers.
func (t *MappingTable) Span() (first, last uint64) {
	return t.ranges[0].First, t.ranges[len(t.ranges)-1].Next - 1
}

// Len returns the number of ranges.
func (t *MappingTable) Len() int { return len(t.ranges) }

// parseDotted parses "major.minor" with minor as a two-digit field, so
// "8.30" is (8, 30) and "5.01" is (5, 1).
func parseDotted(s string) (major, minor int, err error) {
	a, b, ok := strings.Cut(s, ".")
	if !ok {
		return 0, 0, fmt.Errorf("missing dot")
	}
	major, err = strconv.Atoi(a)
	if err != nil {
		return 0, 0, err
	}
	minor, err = strconv.Atoi(b)
	if err != nil {
		return 0, 0, err
	}
	if major < 0 || minor < 0 || minor > 99 {
		return 0, 0, fmt.Errorf("out of range")
	}
	return major, minor, nil
}
