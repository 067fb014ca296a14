package layout

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	_ "modernc.org/sqlite"

	"github.com/spyglassmod/spyglass/version"
)

// ---------------------------------------------------------------------------
// File source: TOML overrides
// ---------------------------------------------------------------------------

// FileSource layers offsets from a TOML file over another source.
// The file holds one section per category:
//
//	[Struct]
//	Size = 0x44
//
//	[Function]
//	NativeEntry = 0xB8
//
// Overrides apply to whatever generation is being resolved; a file is
// expected to be written for one specific build.
type FileSource struct {
	Base Source
	Path string
}

func (s FileSource) Resolve(gen version.Generation) (*Table, error) {
	base := s.Base
	if base == nil {
		base = Builtin()
	}
	t, err := base.Resolve(gen)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("layout: cannot read %s: %w", s.Path, err)
	}

	var sections map[string]map[string]int64
	if err := toml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("layout: parse error in %s: %w", s.Path, err)
	}

	applied := 0
	for catName, entries := range sections {
		cat, ok := CategoryByName(catName)
		if !ok {
			return nil, fmt.Errorf("layout: %s: unknown category %q", s.Path, catName)
		}
		for name, off := range entries {
			if off < 0 || off > 1<<20 {
				return nil, fmt.Errorf("layout: %s: offset %s.%s = %d out of range", s.Path, catName, name, off)
			}
			t.set(cat, name, int32(off))
			applied++
		}
	}

	log.Infof("applied %d offset overrides from %s", applied, s.Path)
	return t, nil
}

// ---------------------------------------------------------------------------
// Archive source: community offset archive
// ---------------------------------------------------------------------------

// ArchiveSource layers offsets from a SQLite archive over another
// source. Archives collect externally discovered offsets per
// generation:
//
//	CREATE TABLE offsets (
//	    generation TEXT NOT NULL,
//	    category   TEXT NOT NULL,
//	    name       TEXT NOT NULL,
//	    offset     INTEGER NOT NULL,
//	    PRIMARY KEY (generation, category, name)
//	);
//
// The generation column holds the Generation display name, e.g.
// "4.23-4.24".
type ArchiveSource struct {
	Base Source
	Path string
}

func (s ArchiveSource) Resolve(gen version.Generation) (*Table, error) {
	base := s.Base
	if base == nil {
		base = Builtin()
	}
	t, err := base.Resolve(gen)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", s.Path)
	if err != nil {
		return nil, fmt.Errorf("layout: opening archive %s: %w", s.Path, err)
	}
	defer db.Close()

	rows, err := db.Query(
		"SELECT category, name, offset FROM offsets WHERE generation = ?",
		gen.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("layout: querying archive %s: %w", s.Path, err)
	}
	defer rows.Close()

	applied := 0
	for rows.Next() {
		var catName, name string
		var off int64
		if err := rows.Scan(&catName, &name, &off); err != nil {
			return nil, fmt.Errorf("layout: reading archive row: %w", err)
		}
		cat, ok := CategoryByName(catName)
		if !ok {
			log.Warningf("archive %s has unknown category %q, skipping", s.Path, catName)
			continue
		}
		if off < 0 || off > 1<<20 {
			log.Warningf("archive %s has out-of-range offset %s.%s = %d, skipping", s.Path, catName, name, off)
			continue
		}
		t.set(cat, name, int32(off))
		applied++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("layout: reading archive %s: %w", s.Path, err)
	}

	log.Infof("applied %d offsets from archive %s for generation %s", applied, s.Path, gen)
	return t, nil
}
