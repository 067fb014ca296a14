package layout

import (
	"fmt"

	"github.com/spyglassmod/spyglass/version"
)

// ---------------------------------------------------------------------------
// Builtin offset data
// ---------------------------------------------------------------------------

// The builtin tables were curated from reversed host builds, one
// baseline plus per-generation drift. Values are data, not derivation:
// when a generation moves a field, its override row says so.

// baseline is the oldest supported layout (generation 4.16-4.19).
// Later generations start from it and apply their overrides.
var baseline = map[Category]map[string]int32{
	CatObject: {
		"Flags": 0x08,
		"Index": 0x0C,
		"Class": 0x10,
		"Name":  0x18,
		"Outer": 0x20,
	},
	CatField: {
		"Next": 0x28,
	},
	CatStruct: {
		"Super":      0x30,
		"Fields":     0x38,
		"FieldsLink": 0x50,
		"Size":       0x40,
		"Alignment":  0x44,
	},
	CatClass: {
		"DefaultObject": 0x118,
	},
	CatFunction: {
		"Flags":        0x88,
		"ParamCount":   0x8A,
		"ParamSize":    0x8C,
		"ReturnOffset": 0x8E,
		"NativeEntry":  0xB0,
	},
	CatProperty: {
		"ArrayDim":    0x38,
		"ElementSize": 0x3C,
		"Flags":       0x40,
		"Offset":      0x4C,
	},
	CatCollection: {
		"Data":     0x00,
		"Count":    0x08,
		"Capacity": 0x0C,
	},
}

// detachedFieldSet is shared by every generation with detached fields
// (4.25 onward). The detached hierarchy kept its shape across 4.25,
// 4.26 and 5.x; only the owning struct offsets moved.
var detachedFieldSet = map[Category]map[string]int32{
	CatDetachedField: {
		"Kind":  0x00,
		"Owner": 0x08,
		"Next":  0x20,
		"Name":  0x28,
	},
	CatDetachedProperty: {
		"ArrayDim":    0x34,
		"ElementSize": 0x38,
		"Offset":      0x44,
		"Flags":       0x48,
	},
	CatFieldKindTable: {
		"Name": 0x00,
	},
}

// overrides lists per-generation drift from the baseline.
var overrides = map[version.Generation]map[Category]map[string]int32{
	version.Gen4_16: {},
	version.Gen4_20: {
		CatStruct: {"Size": 0x44, "Alignment": 0x48},
	},
	version.Gen4_23: {
		CatStruct: {"Size": 0x48, "Alignment": 0x4C},
	},
	version.Gen4_25: {
		CatStruct: {
			"Size":           0x48,
			"Alignment":      0x4C,
			"DetachedFields": 0x40,
		},
		CatFunction: {
			"Flags":        0xB0,
			"ParamCount":   0xB2,
			"ParamSize":    0xB4,
			"ReturnOffset": 0xB6,
			"NativeEntry":  0xD8,
		},
	},
	version.Gen4_26: {
		CatStruct: {
			"Size":           0x4C,
			"Alignment":      0x50,
			"DetachedFields": 0x40,
		},
		CatFunction: {
			"Flags":        0xB0,
			"ParamCount":   0xB2,
			"ParamSize":    0xB4,
			"ReturnOffset": 0xB6,
			"NativeEntry":  0xD8,
		},
	},
	version.Gen5_0: {
		CatStruct: {
			"Super":          0x30,
			"Fields":         0x40,
			"DetachedFields": 0x48,
			"Size":           0x50,
			"Alignment":      0x54,
		},
		CatClass: {"DefaultObject": 0x130},
		CatFunction: {
			"Flags":        0xB8,
			"ParamCount":   0xBA,
			"ParamSize":    0xBC,
			"ReturnOffset": 0xBE,
			"NativeEntry":  0xE0,
		},
		CatDetachedProperty: {
			"ArrayDim":    0x38,
			"ElementSize": 0x40,
			"Offset":      0x4C,
			"Flags":       0x50,
		},
	},
	version.Gen5_1: {
		CatStruct: {
			"Super":          0x30,
			"Fields":         0x40,
			"DetachedFields": 0x48,
			"Size":           0x50,
			"Alignment":      0x54,
		},
		CatClass: {"DefaultObject": 0x130},
		CatFunction: {
			"Flags":        0xB8,
			"ParamCount":   0xBA,
			"ParamSize":    0xBC,
			"ReturnOffset": 0xBE,
			"NativeEntry":  0xE0,
		},
		CatDetachedProperty: {
			"ArrayDim":    0x38,
			"ElementSize": 0x40,
			"Offset":      0x4C,
			"Flags":       0x50,
		},
	},
}

// builtinSource resolves tables from the curated data above.
type builtinSource struct{}

// Builtin returns the source backed by the curated offset data.
func Builtin() Source { return builtinSource{} }

func (builtinSource) Resolve(gen version.Generation) (*Table, error) {
	over, ok := overrides[gen]
	if !ok {
		return nil, fmt.Errorf("layout: no builtin data for generation %s", gen)
	}

	t := newTable(gen)
	for cat, m := range baseline {
		for name, off := range m {
			t.set(cat, name, off)
		}
	}

	// Detached-field generations drop the attached property layout and
	// the old link chain, and gain the detached hierarchy.
	if gen >= version.Gen4_25 {
		delete(t.offsets, CatProperty)
		delete(t.offsets[CatStruct], "FieldsLink")
		for cat, m := range detachedFieldSet {
			for name, off := range m {
				t.set(cat, name, off)
			}
		}
	}

	for cat, m := range over {
		for name, off := range m {
			t.set(cat, name, off)
		}
	}

	log.Infof("resolved builtin layout for generation %s", gen)
	return t, nil
}
