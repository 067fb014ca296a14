// Package fields walks the reflected field lists of host structs.
// Two walker strategies cover the supported generations: before the
// reflection split fields are ordinary objects chained off the
// struct, afterwards they live in a detached hierarchy with its own
// slimmer headers.
package fields

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("spyglass.fields")

// Kind identifies the value category of a reflected field.
type Kind int

const (
	Unknown Kind = iota
	Byte
	Int8
	Int16
	Int
	Int64
	UInt16
	UInt32
	UInt64
	Float
	Double
	Bool
	Object
	WeakObject
	LazyObject
	SoftObject
	Class
	SoftClass
	Interface
	Name
	Str
	Text
	Array
	Map
	Set
	Struct
	Delegate
	MulticastDelegate
	MulticastInlineDelegate
	MulticastSparseDelegate
	Enum
	FieldPath
)

var kindNames = map[Kind]string{
	Byte:                    "ByteProperty",
	Int8:                    "Int8Property",
	Int16:                   "Int16Property",
	Int:                     "IntProperty",
	Int64:                   "Int64Property",
	UInt16:                  "UInt16Property",
	UInt32:                  "UInt32Property",
	UInt64:                  "UInt64Property",
	Float:                   "FloatProperty",
	Double:                  "DoubleProperty",
	Bool:                    "BoolProperty",
	Object:                  "ObjectProperty",
	WeakObject:              "WeakObjectProperty",
	LazyObject:              "LazyObjectProperty",
	SoftObject:              "SoftObjectProperty",
	Class:                   "ClassProperty",
	SoftClass:               "SoftClassProperty",
	Interface:               "InterfaceProperty",
	Name:                    "NameProperty",
	Str:                     "StrProperty",
	Text:                    "TextProperty",
	Array:                   "ArrayProperty",
	Map:                     "MapProperty",
	Set:                     "SetProperty",
	Struct:                  "StructProperty",
	Delegate:                "DelegateProperty",
	MulticastDelegate:       "MulticastDelegateProperty",
	MulticastInlineDelegate: "MulticastInlineDelegateProperty",
	MulticastSparseDelegate: "MulticastSparseDelegateProperty",
	Enum:                    "EnumProperty",
	FieldPath:               "FieldPathProperty",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// KindFromClassName maps a field's class name to its kind. Names not
// in the table map to Unknown; hosts grow property classes faster
// than this list and an unknown kind is still walkable.
func KindFromClassName(name string) Kind {
	if k, ok := kindsByName[name]; ok {
		return k
	}
	return Unknown
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// Flags is a field's behavior flag word. The raw word is preserved
// because the host defines far more bits than we interpret.
type Flags uint64

const (
	FlagEditable   Flags = 0x1
	FlagReplicated Flags = 0x20
	FlagParameter  Flags = 0x80
	FlagOutput     Flags = 0x100
	FlagReturn     Flags = 0x400
	FlagPersisted  Flags = 0x1000000
	FlagReference  Flags = 0x8000000
)

func (f Flags) Editable() bool   { return f&FlagEditable != 0 }
func (f Flags) Replicated() bool { return f&FlagReplicated != 0 }
func (f Flags) Parameter() bool  { return f&FlagParameter != 0 }
func (f Flags) Output() bool     { return f&FlagOutput != 0 }
func (f Flags) Return() bool     { return f&FlagReturn != 0 }
func (f Flags) Persisted() bool  { return f&FlagPersisted != 0 }
func (f Flags) Reference() bool  { return f&FlagReference != 0 }
