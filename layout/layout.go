// Package layout holds the structure offsets the introspection core
// needs for each supported host generation. Offsets never appear
// hardcoded outside this package; everything resolves through a Table.
package layout

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/spyglassmod/spyglass/version"
)

var log = commonlog.GetLogger("spyglass.layout")

// ---------------------------------------------------------------------------
// Categories
// ---------------------------------------------------------------------------

// Category groups offsets by the host structure they index into.
type Category int

const (
	CatObject           Category = iota // reflected object header
	CatField                            // attached field (object-derived)
	CatStruct                           // struct definition
	CatClass                            // class definition
	CatFunction                         // callable function definition
	CatProperty                         // attached property data
	CatDetachedField                    // detached field header (4.25+)
	CatDetachedProperty                 // detached property data (4.25+)
	CatFieldKindTable                   // detached field kind descriptor
	CatCollection                       // inline dynamic array header
)

var categoryNames = map[Category]string{
	CatObject:           "Object",
	CatField:            "Field",
	CatStruct:           "Struct",
	CatClass:            "Class",
	CatFunction:         "Function",
	CatProperty:         "Property",
	CatDetachedField:    "DetachedField",
	CatDetachedProperty: "DetachedProperty",
	CatFieldKindTable:   "FieldKindTable",
	CatCollection:       "Collection",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// CategoryByName resolves a category from its table name.
func CategoryByName(name string) (Category, bool) {
	for c, n := range categoryNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

// Missing is returned by Get for offsets absent in the generation.
const Missing int32 = -1

// Table is a frozen offset table for one generation. Lookups never
// fail loudly: a missing key returns Missing and is logged once, in
// keeping with the degrade-and-continue policy.
type Table struct {
	gen     version.Generation
	offsets map[Category]map[string]int32

	mu       sync.Mutex
	reported map[string]struct{}
}

func newTable(gen version.Generation) *Table {
	return &Table{
		gen:      gen,
		offsets:  make(map[Category]map[string]int32),
		reported: make(map[string]struct{}),
	}
}

// Generation returns the generation the table was resolved for.
func (t *Table) Generation() version.Generation { return t.gen }

func (t *Table) set(cat Category, name string, off int32) {
	m := t.offsets[cat]
	if m == nil {
		m = make(map[string]int32)
		t.offsets[cat] = m
	}
	m[name] = off
}

// Get returns the offset for a category and name, or Missing if the
// generation does not define it. The first miss per key is logged.
func (t *Table) Get(cat Category, name string) int32 {
	if m := t.offsets[cat]; m != nil {
		if off, ok := m[name]; ok {
			return off
		}
	}
	key := cat.String() + "." + name
	t.mu.Lock()
	if _, seen := t.reported[key]; !seen {
		t.reported[key] = struct{}{}
		t.mu.Unlock()
		log.Warningf("no offset for %s in generation %s", key, t.gen)
	} else {
		t.mu.Unlock()
	}
	return Missing
}

// Has reports whether the generation defines the offset, without
// logging.
func (t *Table) Has(cat Category, name string) bool {
	m := t.offsets[cat]
	if m == nil {
		return false
	}
	_, ok := m[name]
	return ok
}

// MustHave verifies that every named offset is present. Providers call
// it at construction so a broken table fails fast instead of producing
// garbage reads later.
func (t *Table) MustHave(cat Category, names ...string) error {
	for _, name := range names {
		if !t.Has(cat, name) {
			return fmt.Errorf("layout: generation %s is missing %s.%s", t.gen, cat, name)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// Source resolves the offset table for a generation. The builtin
// source carries curated data; other sources layer externally
// discovered offsets on top of it.
type Source interface {
	Resolve(gen version.Generation) (*Table, error)
}
