// Package view layers typed accessors over raw object handles. A view
// is a handle plus the shared decoding dependencies; it caches nothing
// and re-reads the host on every call, so a view stays correct while
// the host mutates the object underneath it.
package view

import (
	"strings"

	"github.com/spyglassmod/spyglass/fields"
	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/layout"
	"github.com/spyglassmod/spyglass/objects"
)

// maxChainDepth bounds outer and super chain walks so a corrupted
// pointer loop cannot hang a caller.
const maxChainDepth = 64

// Deps bundles the decoding context every view shares.
type Deps struct {
	Img    hostmem.Image
	Table  *layout.Table
	Names  objects.NameTable
	Walker fields.Walker
}

// Object views one reflected object.
type Object struct {
	deps *Deps
	h    objects.Handle
}

// NewObject views the object at h. A zero handle yields an invalid
// view rather than an error; callers check Valid.
func NewObject(deps *Deps, h objects.Handle) Object {
	return Object{deps: deps, h: h}
}

// Handle returns the underlying handle.
func (o Object) Handle() objects.Handle { return o.h }

// Valid re-checks the handle against the image. Objects die without
// notice, so every use site revalidates.
func (o Object) Valid() bool {
	return o.deps != nil && !o.h.IsZero() && o.deps.Img.Readable(o.h, 0x28)
}

func (o Object) off(cat layout.Category, name string) hostmem.Addr {
	return o.h + hostmem.Addr(o.deps.Table.Get(cat, name))
}

// Flags returns the object's flag word.
func (o Object) Flags() uint32 {
	if !o.Valid() {
		return 0
	}
	v, _ := hostmem.ReadU32(o.deps.Img, o.off(layout.CatObject, "Flags"))
	return v
}

// Index returns the object's registry slot index.
func (o Object) Index() int32 {
	if !o.Valid() {
		return -1
	}
	v, err := hostmem.ReadI32(o.deps.Img, o.off(layout.CatObject, "Index"))
	if err != nil {
		return -1
	}
	return v
}

// Class returns the object's class view.
func (o Object) Class() Object {
	if !o.Valid() {
		return Object{deps: o.deps}
	}
	h, _ := hostmem.ReadPtr(o.deps.Img, o.off(layout.CatObject, "Class"))
	return Object{deps: o.deps, h: h}
}

// Outer returns the owning object's view.
func (o Object) Outer() Object {
	if !o.Valid() {
		return Object{deps: o.deps}
	}
	h, _ := hostmem.ReadPtr(o.deps.Img, o.off(layout.CatObject, "Outer"))
	return Object{deps: o.deps, h: h}
}

// Name returns the object's display name, or "" when unreadable.
func (o Object) Name() string {
	if !o.Valid() {
		return ""
	}
	addr := o.off(layout.CatObject, "Name")
	index, err := hostmem.ReadI32(o.deps.Img, addr)
	if err != nil {
		return ""
	}
	number, err := hostmem.ReadI32(o.deps.Img, addr+4)
	if err != nil {
		return ""
	}
	n, err := o.deps.Names.Resolve(index)
	if err != nil {
		return ""
	}
	return n.Display(number)
}

// PathName renders the owner chain as a dot path ending in the
// object's own name.
func (o Object) PathName() string {
	if !o.Valid() {
		return ""
	}
	var parts []string
	cur := o
	for depth := 0; cur.Valid() && depth < maxChainDepth; depth++ {
		parts = append(parts, cur.Name())
		cur = cur.Outer()
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// FullName renders "ClassName Path.Name", the host's canonical object
// identity.
func (o Object) FullName() string {
	if !o.Valid() {
		return ""
	}
	return o.Class().Name() + " " + o.PathName()
}

// IsA walks the class super chain looking for the named class.
func (o Object) IsA(className string) bool {
	if !o.Valid() {
		return false
	}
	superOff := hostmem.Addr(o.deps.Table.Get(layout.CatStruct, "Super"))
	cur := o.Class()
	for depth := 0; cur.Valid() && depth < maxChainDepth; depth++ {
		if cur.Name() == className {
			return true
		}
		h, err := hostmem.ReadPtr(o.deps.Img, cur.h+superOff)
		if err != nil {
			return false
		}
		cur = Object{deps: o.deps, h: h}
	}
	return false
}

// ---------------------------------------------------------------------------
// Capability accessors
// ---------------------------------------------------------------------------

// AsStruct narrows to a struct view when the object is struct-shaped.
// Classes and functions qualify; they carry the same struct header.
func (o Object) AsStruct() (Struct, bool) {
	for _, name := range []string{"ScriptStruct", "Struct", "Class", "Function"} {
		if o.IsA(name) {
			return Struct{o}, true
		}
	}
	return Struct{}, false
}

// AsClass narrows to a class view.
func (o Object) AsClass() (Class, bool) {
	if !o.IsA("Class") {
		return Class{}, false
	}
	return Class{Struct{o}}, true
}

// AsFunction narrows to a function view.
func (o Object) AsFunction() (Function, bool) {
	if !o.IsA("Function") {
		return Function{}, false
	}
	return Function{Struct{o}}, true
}

// ---------------------------------------------------------------------------
// Struct
// ---------------------------------------------------------------------------

// Struct views a struct definition object.
type Struct struct {
	Object
}

// SuperStruct returns the parent struct view.
func (s Struct) SuperStruct() Struct {
	if !s.Valid() {
		return Struct{Object{deps: s.deps}}
	}
	h, _ := hostmem.ReadPtr(s.deps.Img, s.off(layout.CatStruct, "Super"))
	return Struct{Object{deps: s.deps, h: h}}
}

// Size returns the struct's instance size in bytes.
func (s Struct) Size() int32 {
	if !s.Valid() {
		return 0
	}
	v, _ := hostmem.ReadI32(s.deps.Img, s.off(layout.CatStruct, "Size"))
	return v
}

// Alignment returns the struct's instance alignment.
func (s Struct) Alignment() int32 {
	if !s.Valid() {
		return 0
	}
	v, _ := hostmem.ReadI32(s.deps.Img, s.off(layout.CatStruct, "Alignment"))
	return v
}

// EachField visits the struct's fields through the active walker.
func (s Struct) EachField(visit func(fields.Descriptor) bool, includeInherited bool) {
	if !s.Valid() || s.deps.Walker == nil {
		return
	}
	s.deps.Walker.ForEach(s.h, visit, includeInherited)
}

// Fields collects the struct's own and inherited fields.
func (s Struct) Fields(includeInherited bool) []fields.Descriptor {
	var out []fields.Descriptor
	s.EachField(func(d fields.Descriptor) bool {
		out = append(out, d)
		return true
	}, includeInherited)
	return out
}

// Field finds one field by display name.
func (s Struct) Field(name string) (fields.Descriptor, bool) {
	if !s.Valid() || s.deps.Walker == nil {
		return fields.Descriptor{}, false
	}
	return s.deps.Walker.FindByName(s.h, name, true)
}

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// Class views a class definition object.
type Class struct {
	Struct
}

// Super returns the parent class view.
func (c Class) Super() Class {
	return Class{c.SuperStruct()}
}

// DefaultObject returns the class's archetype instance.
func (c Class) DefaultObject() Object {
	if !c.Valid() {
		return Object{deps: c.deps}
	}
	h, _ := hostmem.ReadPtr(c.deps.Img, c.off(layout.CatClass, "DefaultObject"))
	return Object{deps: c.deps, h: h}
}

// IsChildOf walks the super chain comparing handles.
func (c Class) IsChildOf(other Class) bool {
	if !c.Valid() || !other.Valid() {
		return false
	}
	cur := c
	for depth := 0; cur.Valid() && depth < maxChainDepth; depth++ {
		if cur.h == other.h {
			return true
		}
		cur = cur.Super()
	}
	return false
}

// ---------------------------------------------------------------------------
// Function
// ---------------------------------------------------------------------------

// Function views a callable function definition.
type Function struct {
	Struct
}

// FunctionFlags returns the function's behavior flag word.
func (f Function) FunctionFlags() uint32 {
	if !f.Valid() {
		return 0
	}
	v, _ := hostmem.ReadU32(f.deps.Img, f.off(layout.CatFunction, "Flags"))
	return v
}

// ParamCount returns the number of declared parameters.
func (f Function) ParamCount() uint8 {
	if !f.Valid() {
		return 0
	}
	v, _ := hostmem.ReadU8(f.deps.Img, f.off(layout.CatFunction, "ParamCount"))
	return v
}

// ParamSize returns the size of the parameter block in bytes.
func (f Function) ParamSize() uint16 {
	if !f.Valid() {
		return 0
	}
	v, _ := hostmem.ReadU16(f.deps.Img, f.off(layout.CatFunction, "ParamSize"))
	return v
}

// ReturnOffset returns the return value's offset in the block.
func (f Function) ReturnOffset() uint16 {
	if !f.Valid() {
		return 0
	}
	v, _ := hostmem.ReadU16(f.deps.Img, f.off(layout.CatFunction, "ReturnOffset"))
	return v
}

// NativeEntry returns the function's native implementation address.
func (f Function) NativeEntry() hostmem.Addr {
	if !f.Valid() {
		return 0
	}
	v, _ := hostmem.ReadPtr(f.deps.Img, f.off(layout.CatFunction, "NativeEntry"))
	return v
}
