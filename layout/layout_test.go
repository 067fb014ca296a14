package layout

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/spyglassmod/spyglass/version"
)

func resolve(t *testing.T, gen version.Generation) *Table {
	t.Helper()
	table, err := Builtin().Resolve(gen)
	if err != nil {
		t.Fatalf("Resolve(%v): %v", gen, err)
	}
	return table
}

func TestBuiltinBaseline(t *testing.T) {
	table := resolve(t, version.Gen4_16)

	cases := []struct {
		cat  Category
		name string
		want int32
	}{
		{CatObject, "Flags", 0x08},
		{CatObject, "Index", 0x0C},
		{CatObject, "Class", 0x10},
		{CatObject, "Name", 0x18},
		{CatObject, "Outer", 0x20},
		{CatField, "Next", 0x28},
		{CatStruct, "Super", 0x30},
		{CatStruct, "Fields", 0x38},
		{CatStruct, "Size", 0x40},
		{CatProperty, "Offset", 0x4C},
		{CatCollection, "Count", 0x08},
	}
	for _, c := range cases {
		if got := table.Get(c.cat, c.name); got != c.want {
			t.Errorf("%s.%s = %#x, want %#x", c.cat, c.name, got, c.want)
		}
	}
}

func TestBuiltinGenerationDrift(t *testing.T) {
	if got := resolve(t, version.Gen4_20).Get(CatStruct, "Size"); got != 0x44 {
		t.Errorf("4.20 Struct.Size = %#x, want 0x44", got)
	}
	if got := resolve(t, version.Gen4_23).Get(CatStruct, "Size"); got != 0x48 {
		t.Errorf("4.23 Struct.Size = %#x, want 0x48", got)
	}
	if got := resolve(t, version.Gen5_0).Get(CatStruct, "Fields"); got != 0x40 {
		t.Errorf("5.0 Struct.Fields = %#x, want 0x40", got)
	}
}

// Detached field offsets exist only from 4.25 on; before that the key
// is absent rather than zero.
func TestBuiltinDetachedFieldAvailability(t *testing.T) {
	old := resolve(t, version.Gen4_23)
	if old.Has(CatStruct, "DetachedFields") {
		t.Error("4.23 should not define Struct.DetachedFields")
	}
	if old.Has(CatDetachedField, "Next") {
		t.Error("4.23 should not define DetachedField offsets")
	}
	if !old.Has(CatProperty, "Offset") {
		t.Error("4.23 should define attached Property offsets")
	}

	newer := resolve(t, version.Gen4_25)
	if got := newer.Get(CatStruct, "DetachedFields"); got != 0x40 {
		t.Errorf("4.25 Struct.DetachedFields = %#x, want 0x40", got)
	}
	if got := newer.Get(CatDetachedField, "Next"); got != 0x20 {
		t.Errorf("4.25 DetachedField.Next = %#x, want 0x20", got)
	}
	if newer.Has(CatProperty, "Offset") {
		t.Error("4.25 should not define attached Property offsets")
	}
}

func TestGetMissingReturnsSentinel(t *testing.T) {
	table := resolve(t, version.Gen4_16)

	if got := table.Get(CatStruct, "NoSuchOffset"); got != Missing {
		t.Errorf("missing offset = %d, want %d", got, Missing)
	}
	// Second miss takes the already-reported path.
	if got := table.Get(CatStruct, "NoSuchOffset"); got != Missing {
		t.Errorf("repeated missing offset = %d, want %d", got, Missing)
	}
}

func TestMustHave(t *testing.T) {
	table := resolve(t, version.Gen4_16)

	if err := table.MustHave(CatObject, "Class", "Name", "Outer"); err != nil {
		t.Errorf("MustHave on present offsets: %v", err)
	}
	if err := table.MustHave(CatObject, "Class", "Bogus"); err == nil {
		t.Error("MustHave on absent offset should fail")
	}
}

func TestBuiltinUnknownGeneration(t *testing.T) {
	if _, err := Builtin().Resolve(version.GenUnknown); err == nil {
		t.Error("unknown generation should not resolve")
	}
}

func TestFileSourceOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.toml")
	content := "[Struct]\nSize = 0x1234\n\n[Function]\nNativeEntry = 0xC0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := FileSource{Path: path}.Resolve(version.Gen4_16)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := table.Get(CatStruct, "Size"); got != 0x1234 {
		t.Errorf("overridden Struct.Size = %#x, want 0x1234", got)
	}
	if got := table.Get(CatFunction, "NativeEntry"); got != 0xC0 {
		t.Errorf("overridden Function.NativeEntry = %#x, want 0xC0", got)
	}
	// Untouched keys keep builtin values.
	if got := table.Get(CatObject, "Name"); got != 0x18 {
		t.Errorf("Object.Name = %#x, want 0x18", got)
	}
}

func TestFileSourceRejectsUnknownCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.toml")
	if err := os.WriteFile(path, []byte("[Nope]\nX = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (FileSource{Path: path}).Resolve(version.Gen4_16); err == nil {
		t.Error("unknown category should fail")
	}
}

func TestArchiveSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE offsets (
		generation TEXT NOT NULL,
		category   TEXT NOT NULL,
		name       TEXT NOT NULL,
		offset     INTEGER NOT NULL,
		PRIMARY KEY (generation, category, name)
	)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	insert := func(gen, cat, name string, off int64) {
		t.Helper()
		if _, err := db.Exec(
			"INSERT INTO offsets (generation, category, name, offset) VALUES (?, ?, ?, ?)",
			gen, cat, name, off,
		); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	insert(version.Gen4_23.String(), "Struct", "Size", 0x2000)
	insert(version.Gen4_23.String(), "Object", "Outer", 0x28)
	insert(version.Gen4_16.String(), "Struct", "Size", 0x9999) // other generation
	db.Close()

	table, err := ArchiveSource{Path: path}.Resolve(version.Gen4_23)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := table.Get(CatStruct, "Size"); got != 0x2000 {
		t.Errorf("archived Struct.Size = %#x, want 0x2000", got)
	}
	if got := table.Get(CatObject, "Outer"); got != 0x28 {
		t.Errorf("archived Object.Outer = %#x, want 0x28", got)
	}
	// Rows for other generations do not leak in.
	if got := table.Get(CatObject, "Name"); got != 0x18 {
		t.Errorf("Object.Name = %#x, want builtin 0x18", got)
	}
}
