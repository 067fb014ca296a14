package dispatch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spyglassmod/spyglass/fields"
	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/objects"
	"github.com/spyglassmod/spyglass/view"
)

var (
	ErrNoSuchParam   = errors.New("dispatch: no such parameter")
	ErrNotOutput     = errors.New("dispatch: parameter is not an output")
	ErrUnwritable    = errors.New("dispatch: image is not writable")
	ErrBadParamValue = errors.New("dispatch: value does not fit parameter")
)

// Params is the decoded argument block of one intercepted call.
// Scalars, interned names and dynamic strings decode to values;
// struct, container and unknown kinds stay as raw addresses into the
// block.
type Params struct {
	deps  *view.Deps
	block hostmem.Addr
	descs []fields.Descriptor
	vals  map[string]any
}

// parameters returns the function's declared parameters sorted by
// block offset, own fields only.
func parameters(deps *view.Deps, function objects.Handle) []fields.Descriptor {
	var descs []fields.Descriptor
	deps.Walker.ForEach(function, func(d fields.Descriptor) bool {
		if d.Flags.Parameter() {
			descs = append(descs, d)
		}
		return true
	}, false)
	sort.SliceStable(descs, func(a, b int) bool { return descs[a].Offset < descs[b].Offset })
	return descs
}

func parseParams(deps *view.Deps, block hostmem.Addr, descs []fields.Descriptor) *Params {
	p := &Params{deps: deps, block: block, descs: descs, vals: make(map[string]any, len(descs))}
	for _, d := range descs {
		p.vals[d.Name] = p.parse(d)
	}
	return p
}

func (p *Params) parse(d fields.Descriptor) any {
	img := p.deps.Img
	at := p.block + hostmem.Addr(d.Offset)
	switch d.Kind {
	case fields.Bool:
		v, err := hostmem.ReadU8(img, at)
		if err != nil {
			return nil
		}
		return v != 0
	case fields.Byte:
		v, err := hostmem.ReadU8(img, at)
		if err != nil {
			return nil
		}
		return int64(v)
	case fields.Int8:
		v, err := hostmem.ReadU8(img, at)
		if err != nil {
			return nil
		}
		return int64(int8(v))
	case fields.Int16:
		v, err := hostmem.ReadU16(img, at)
		if err != nil {
			return nil
		}
		return int64(int16(v))
	case fields.UInt16:
		v, err := hostmem.ReadU16(img, at)
		if err != nil {
			return nil
		}
		return int64(v)
	case fields.Int, fields.Enum:
		v, err := hostmem.ReadI32(img, at)
		if err != nil {
			return nil
		}
		return int64(v)
	case fields.UInt32:
		v, err := hostmem.ReadU32(img, at)
		if err != nil {
			return nil
		}
		return int64(v)
	case fields.Int64:
		v, err := hostmem.ReadI64(img, at)
		if err != nil {
			return nil
		}
		return v
	case fields.UInt64:
		v, err := hostmem.ReadU64(img, at)
		if err != nil {
			return nil
		}
		return int64(v)
	case fields.Float:
		v, err := hostmem.ReadF32(img, at)
		if err != nil {
			return nil
		}
		return float64(v)
	case fields.Double:
		v, err := hostmem.ReadF64(img, at)
		if err != nil {
			return nil
		}
		return v
	case fields.Name:
		index, err := hostmem.ReadI32(img, at)
		if err != nil {
			return nil
		}
		number, err := hostmem.ReadI32(img, at+4)
		if err != nil {
			return nil
		}
		n, err := p.deps.Names.Resolve(index)
		if err != nil {
			return nil
		}
		return n.Display(number)
	case fields.Str:
		s, err := view.String(img, at)
		if err != nil {
			return nil
		}
		return s
	case fields.Object, fields.Class, fields.Interface, fields.WeakObject, fields.LazyObject:
		h, err := hostmem.ReadPtr(img, at)
		if err != nil {
			return nil
		}
		return h
	default:
		// Structs, containers, delegates and anything unrecognized
		// pass through as an address into the block.
		return at
	}
}

// Names lists the parameter names in block order.
func (p *Params) Names() []string {
	names := make([]string, len(p.descs))
	for i, d := range p.descs {
		names[i] = d.Name
	}
	return names
}

// Param returns the descriptor for one parameter.
func (p *Params) Param(name string) (fields.Descriptor, bool) {
	for _, d := range p.descs {
		if d.Name == name {
			return d, true
		}
	}
	return fields.Descriptor{}, false
}

// Bool returns a boolean parameter.
func (p *Params) Bool(name string) (bool, bool) {
	v, ok := p.vals[name].(bool)
	return v, ok
}

// Int returns any integer parameter widened to int64.
func (p *Params) Int(name string) (int64, bool) {
	v, ok := p.vals[name].(int64)
	return v, ok
}

// Float returns a floating-point parameter widened to float64.
func (p *Params) Float(name string) (float64, bool) {
	v, ok := p.vals[name].(float64)
	return v, ok
}

// String returns an interned-name or dynamic-string parameter.
func (p *Params) String(name string) (string, bool) {
	v, ok := p.vals[name].(string)
	return v, ok
}

// Handle returns an object-reference parameter.
func (p *Params) Handle(name string) (objects.Handle, bool) {
	v, ok := p.vals[name].(objects.Handle)
	return v, ok
}

// Raw returns the parameter's address inside the block.
func (p *Params) Raw(name string) (hostmem.Addr, bool) {
	d, ok := p.Param(name)
	if !ok {
		return 0, false
	}
	return p.block + hostmem.Addr(d.Offset), true
}

// SetOut writes a new value for an output parameter through to the
// block, so the host sees it when the call proceeds.
func (p *Params) SetOut(name string, value any) error {
	d, ok := p.Param(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchParam, name)
	}
	if !d.Flags.Output() && !d.Flags.Return() {
		return fmt.Errorf("%w: %q", ErrNotOutput, name)
	}
	img, ok := p.deps.Img.(hostmem.MutableImage)
	if !ok {
		return ErrUnwritable
	}
	at := p.block + hostmem.Addr(d.Offset)

	var err error
	switch d.Kind {
	case fields.Bool:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %q wants bool", ErrBadParamValue, name)
		}
		var v uint8
		if b {
			v = 1
		}
		err = hostmem.WriteU8(img, at, v)
	case fields.Byte, fields.Int8:
		v, ok := asInt(value)
		if !ok {
			return fmt.Errorf("%w: %q wants integer", ErrBadParamValue, name)
		}
		err = hostmem.WriteU8(img, at, uint8(v))
	case fields.Int16, fields.UInt16:
		v, ok := asInt(value)
		if !ok {
			return fmt.Errorf("%w: %q wants integer", ErrBadParamValue, name)
		}
		err = hostmem.WriteU16(img, at, uint16(v))
	case fields.Int, fields.UInt32, fields.Enum:
		v, ok := asInt(value)
		if !ok {
			return fmt.Errorf("%w: %q wants integer", ErrBadParamValue, name)
		}
		err = hostmem.WriteI32(img, at, int32(v))
	case fields.Int64, fields.UInt64:
		v, ok := asInt(value)
		if !ok {
			return fmt.Errorf("%w: %q wants integer", ErrBadParamValue, name)
		}
		err = hostmem.WriteI64(img, at, v)
	case fields.Float:
		v, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("%w: %q wants float", ErrBadParamValue, name)
		}
		err = hostmem.WriteF32(img, at, float32(v))
	case fields.Double:
		v, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("%w: %q wants float", ErrBadParamValue, name)
		}
		err = hostmem.WriteF64(img, at, v)
	case fields.Object, fields.Class, fields.Interface:
		h, ok := value.(objects.Handle)
		if !ok {
			return fmt.Errorf("%w: %q wants handle", ErrBadParamValue, name)
		}
		err = hostmem.WritePtr(img, at, h)
	default:
		return fmt.Errorf("%w: %q kind %s is not writable", ErrBadParamValue, name, d.KindName)
	}
	if err != nil {
		return err
	}
	p.vals[name] = p.parse(d)
	return nil
}

func asInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
