package fields

import (
	"fmt"

	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/layout"
	"github.com/spyglassmod/spyglass/objects"
	"github.com/spyglassmod/spyglass/version"
)

// Descriptor is one decoded field of a struct.
type Descriptor struct {
	Name        string
	Kind        Kind
	KindName    string
	Offset      int32
	ElementSize int32
	ArrayDim    int32
	Flags       Flags
	Field       objects.Handle
}

// Walker enumerates the fields of a reflected struct. Visitation is
// most-derived-first: a struct's own fields come before any inherited
// batch, and each super contributes its batch in declaration order.
type Walker interface {
	// ForEach visits fields until visit returns false or the chain
	// ends.
	ForEach(structH objects.Handle, visit func(Descriptor) bool, includeInherited bool)

	// FindByName returns the first field with the given display name.
	FindByName(structH objects.Handle, name string, includeInherited bool) (Descriptor, bool)

	// FindByOffset returns the first field covering the given byte
	// offset.
	FindByOffset(structH objects.Handle, offset int32, includeInherited bool) (Descriptor, bool)

	// Count returns the number of fields the walk would visit.
	Count(structH objects.Handle, includeInherited bool) int
}

// New builds the walker for the detected generation. The strategy is
// chosen once; the returned walker holds no per-walk state and is safe
// for concurrent use.
func New(img hostmem.Image, table *layout.Table, names objects.NameTable, flags version.Flags) (Walker, error) {
	if flags.DetachedFields {
		if err := table.MustHave(layout.CatStruct, "Super", "DetachedFields"); err != nil {
			return nil, err
		}
		if err := table.MustHave(layout.CatDetachedField, "Kind", "Next", "Name"); err != nil {
			return nil, err
		}
		log.Infof("field walker using detached strategy")
		return &detachedWalker{img: img, table: table, names: names}, nil
	}
	if err := table.MustHave(layout.CatStruct, "Super", "Fields"); err != nil {
		return nil, err
	}
	if err := table.MustHave(layout.CatObject, "Class", "Name"); err != nil {
		return nil, err
	}
	if err := table.MustHave(layout.CatField, "Next"); err != nil {
		return nil, err
	}
	log.Infof("field walker using linked strategy")
	return &linkedWalker{img: img, table: table, names: names}, nil
}

// ---------------------------------------------------------------------------
// Shared lookups over ForEach
// ---------------------------------------------------------------------------

func findByName(w Walker, structH objects.Handle, name string, inherited bool) (Descriptor, bool) {
	var found Descriptor
	ok := false
	w.ForEach(structH, func(d Descriptor) bool {
		if d.Name == name {
			found, ok = d, true
			return false
		}
		return true
	}, inherited)
	return found, ok
}

func findByOffset(w Walker, structH objects.Handle, offset int32, inherited bool) (Descriptor, bool) {
	var found Descriptor
	ok := false
	w.ForEach(structH, func(d Descriptor) bool {
		size := d.ElementSize * max32(d.ArrayDim, 1)
		if offset >= d.Offset && offset < d.Offset+size {
			found, ok = d, true
			return false
		}
		return true
	}, inherited)
	return found, ok
}

func count(w Walker, structH objects.Handle, inherited bool) int {
	n := 0
	w.ForEach(structH, func(Descriptor) bool {
		n++
		return true
	}, inherited)
	return n
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// internedName reads the two-word interned name at addr and renders
// its display form.
func internedName(img hostmem.Image, names objects.NameTable, addr hostmem.Addr) string {
	index, err := hostmem.ReadI32(img, addr)
	if err != nil {
		return ""
	}
	number, err := hostmem.ReadI32(img, addr+4)
	if err != nil {
		return ""
	}
	n, err := names.Resolve(index)
	if err != nil {
		return ""
	}
	return n.Display(number)
}

// ---------------------------------------------------------------------------
// Linked strategy (before the reflection split)
// ---------------------------------------------------------------------------

// linkedWalker walks the pre-split chain, where fields are ordinary
// reflected objects hanging off the struct. The chain mixes properties
// with other members; non-property entries keep their name and an
// Unknown kind.
type linkedWalker struct {
	img   hostmem.Image
	table *layout.Table
	names objects.NameTable
}

func (w *linkedWalker) ForEach(structH objects.Handle, visit func(Descriptor) bool, inherited bool) {
	w.walk(structH, visit, inherited)
}

func (w *linkedWalker) walk(structH objects.Handle, visit func(Descriptor) bool, inherited bool) bool {
	if structH.IsZero() {
		return true
	}
	head, err := hostmem.ReadPtr(w.img, structH+hostmem.Addr(w.table.Get(layout.CatStruct, "Fields")))
	if err != nil {
		return true
	}
	nextOff := hostmem.Addr(w.table.Get(layout.CatField, "Next"))
	for f := head; !f.IsZero(); {
		if !visit(w.describe(f)) {
			return false
		}
		next, err := hostmem.ReadPtr(w.img, f+nextOff)
		if err != nil {
			break
		}
		f = next
	}
	if !inherited {
		return true
	}
	super, err := hostmem.ReadPtr(w.img, structH+hostmem.Addr(w.table.Get(layout.CatStruct, "Super")))
	if err != nil || super == structH {
		return true
	}
	return w.walk(super, visit, true)
}

func (w *linkedWalker) describe(f objects.Handle) Descriptor {
	d := Descriptor{Field: f}
	d.Name = internedName(w.img, w.names, f+hostmem.Addr(w.table.Get(layout.CatObject, "Name")))

	if class, err := hostmem.ReadPtr(w.img, f+hostmem.Addr(w.table.Get(layout.CatObject, "Class"))); err == nil && !class.IsZero() {
		d.KindName = internedName(w.img, w.names, class+hostmem.Addr(w.table.Get(layout.CatObject, "Name")))
		d.Kind = KindFromClassName(d.KindName)
	}

	// Only entries with a recognized property class carry the payload
	// words; functions and enums share the chain.
	if d.Kind == Unknown {
		return d
	}
	d.ArrayDim, _ = hostmem.ReadI32(w.img, f+hostmem.Addr(w.table.Get(layout.CatProperty, "ArrayDim")))
	d.ElementSize, _ = hostmem.ReadI32(w.img, f+hostmem.Addr(w.table.Get(layout.CatProperty, "ElementSize")))
	d.Offset, _ = hostmem.ReadI32(w.img, f+hostmem.Addr(w.table.Get(layout.CatProperty, "Offset")))
	raw, _ := hostmem.ReadU64(w.img, f+hostmem.Addr(w.table.Get(layout.CatProperty, "Flags")))
	d.Flags = Flags(raw)
	return d
}

func (w *linkedWalker) FindByName(s objects.Handle, name string, inh bool) (Descriptor, bool) {
	return findByName(w, s, name, inh)
}

func (w *linkedWalker) FindByOffset(s objects.Handle, offset int32, inh bool) (Descriptor, bool) {
	return findByOffset(w, s, offset, inh)
}

func (w *linkedWalker) Count(s objects.Handle, inh bool) int { return count(w, s, inh) }

// ---------------------------------------------------------------------------
// Detached strategy (after the reflection split)
// ---------------------------------------------------------------------------

// detachedWalker walks the post-split chain, where fields carry their
// own slim headers and name their kind through a side table instead of
// a class object.
type detachedWalker struct {
	img   hostmem.Image
	table *layout.Table
	names objects.NameTable
}

func (w *detachedWalker) ForEach(structH objects.Handle, visit func(Descriptor) bool, inherited bool) {
	w.walk(structH, visit, inherited)
}

func (w *detachedWalker) walk(structH objects.Handle, visit func(Descriptor) bool, inherited bool) bool {
	if structH.IsZero() {
		return true
	}
	head, err := hostmem.ReadPtr(w.img, structH+hostmem.Addr(w.table.Get(layout.CatStruct, "DetachedFields")))
	if err != nil {
		return true
	}
	nextOff := hostmem.Addr(w.table.Get(layout.CatDetachedField, "Next"))
	for f := head; !f.IsZero(); {
		if !visit(w.describe(f)) {
			return false
		}
		next, err := hostmem.ReadPtr(w.img, f+nextOff)
		if err != nil {
			break
		}
		f = next
	}
	if !inherited {
		return true
	}
	super, err := hostmem.ReadPtr(w.img, structH+hostmem.Addr(w.table.Get(layout.CatStruct, "Super")))
	if err != nil || super == structH {
		return true
	}
	return w.walk(super, visit, true)
}

func (w *detachedWalker) describe(f objects.Handle) Descriptor {
	d := Descriptor{Field: f}
	d.Name = internedName(w.img, w.names, f+hostmem.Addr(w.table.Get(layout.CatDetachedField, "Name")))

	if kt, err := hostmem.ReadPtr(w.img, f+hostmem.Addr(w.table.Get(layout.CatDetachedField, "Kind"))); err == nil && !kt.IsZero() {
		nameAddr := kt + hostmem.Addr(w.table.Get(layout.CatFieldKindTable, "Name"))
		if index, err := hostmem.ReadI32(w.img, nameAddr); err == nil {
			if n, err := w.names.Resolve(index); err == nil {
				d.KindName = n.Text
				d.Kind = KindFromClassName(d.KindName)
			}
		}
	}

	d.ArrayDim, _ = hostmem.ReadI32(w.img, f+hostmem.Addr(w.table.Get(layout.CatDetachedProperty, "ArrayDim")))
	d.ElementSize, _ = hostmem.ReadI32(w.img, f+hostmem.Addr(w.table.Get(layout.CatDetachedProperty, "ElementSize")))
	d.Offset, _ = hostmem.ReadI32(w.img, f+hostmem.Addr(w.table.Get(layout.CatDetachedProperty, "Offset")))
	raw, _ := hostmem.ReadU64(w.img, f+hostmem.Addr(w.table.Get(layout.CatDetachedProperty, "Flags")))
	d.Flags = Flags(raw)
	return d
}

func (w *detachedWalker) FindByName(s objects.Handle, name string, inh bool) (Descriptor, bool) {
	return findByName(w, s, name, inh)
}

func (w *detachedWalker) FindByOffset(s objects.Handle, offset int32, inh bool) (Descriptor, bool) {
	return findByOffset(w, s, offset, inh)
}

func (w *detachedWalker) Count(s objects.Handle, inh bool) int { return count(w, s, inh) }

// String renders a descriptor for logs and dumps.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s @%#x", d.KindName, d.Name, d.Offset)
}
