package dispatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spyglassmod/spyglass/fields"
	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/layout"
	"github.com/spyglassmod/spyglass/objects"
	"github.com/spyglassmod/spyglass/version"
	"github.com/spyglassmod/spyglass/view"
)

const testBase = hostmem.Addr(0x140000000)

type fakeNames map[int32]string

func (f fakeNames) Resolve(index int32) (objects.Name, error) {
	text, ok := f[index]
	if !ok {
		return objects.Name{}, fmt.Errorf("no name %d", index)
	}
	return objects.Name{Text: text, Length: len(text)}, nil
}

func (f fakeNames) String(index int32) string {
	n, err := f.Resolve(index)
	if err != nil {
		return ""
	}
	return n.Text
}

var testNames = fakeNames{
	1:  "Object",
	2:  "Class",
	3:  "Function",
	4:  "Pawn",
	5:  "MyPawn",
	6:  "ServerFire",
	7:  "MulticastExplode",
	8:  "IntProperty",
	9:  "FloatProperty",
	10: "BoolProperty",
	11: "Count",
	12: "Amount",
	13: "bFast",
	14: "Result",
	15: "Health",
}

type fixture struct {
	img   *hostmem.Buffer
	deps  *view.Deps
	d     *Dispatcher
	pawn  objects.Handle
	fire  objects.Handle
	boom  objects.Handle
	block hostmem.Addr
}

func build(t *testing.T) *fixture {
	t.Helper()
	img := hostmem.NewBuffer(testBase, 0x10000)
	table, err := layout.Builtin().Resolve(version.Gen4_16)
	if err != nil {
		t.Fatal(err)
	}
	get := func(cat layout.Category, name string) hostmem.Addr {
		return hostmem.Addr(table.Get(cat, name))
	}
	place32 := func(addr hostmem.Addr, v int32) {
		t.Helper()
		if err := hostmem.WriteI32(img, addr, v); err != nil {
			t.Fatal(err)
		}
	}
	place64 := func(addr hostmem.Addr, v uint64) {
		t.Helper()
		if err := hostmem.WriteU64(img, addr, v); err != nil {
			t.Fatal(err)
		}
	}
	placePtr := func(addr, v hostmem.Addr) {
		t.Helper()
		if err := hostmem.WritePtr(img, addr, v); err != nil {
			t.Fatal(err)
		}
	}

	classClass := testBase + 0x5000
	classFunction := testBase + 0x5100
	classPawn := testBase + 0x5200
	classInt := testBase + 0x5300
	classFloat := testBase + 0x5400
	classBool := testBase + 0x5500

	object := func(h, class objects.Handle, nameIndex int32) {
		placePtr(h+get(layout.CatObject, "Class"), class)
		place32(h+get(layout.CatObject, "Name"), nameIndex)
	}
	object(classClass, classClass, 2)
	object(classFunction, classClass, 3)
	object(classPawn, classClass, 4)
	object(classInt, classClass, 8)
	object(classFloat, classClass, 9)
	object(classBool, classClass, 10)

	fx := &fixture{
		img:   img,
		pawn:  testBase + 0x6000,
		fire:  testBase + 0x7000,
		boom:  testBase + 0x7800,
		block: testBase + 0x9000,
	}
	object(fx.pawn, classPawn, 5)
	object(fx.fire, classFunction, 6)
	object(fx.boom, classFunction, 7)

	param := func(addr hostmem.Addr, nameIndex int32, class hostmem.Addr, next hostmem.Addr, off int32, flags fields.Flags) {
		object(addr, class, nameIndex)
		placePtr(addr+get(layout.CatField, "Next"), next)
		place32(addr+get(layout.CatProperty, "ArrayDim"), 1)
		size := int32(4)
		if class == classBool {
			size = 1
		}
		place32(addr+get(layout.CatProperty, "ElementSize"), size)
		place32(addr+get(layout.CatProperty, "Offset"), off)
		place64(addr+get(layout.CatProperty, "Flags"), uint64(flags))
	}

	count := testBase + 0x8000
	amount := testBase + 0x8100
	fast := testBase + 0x8200
	result := testBase + 0x8300
	health := testBase + 0x8400

	// Chain deliberately out of block order; the cache sorts by
	// offset. Health carries no parameter flag and must be skipped.
	param(amount, 12, classFloat, count, 4, fields.FlagParameter)
	param(count, 11, classInt, fast, 0, fields.FlagParameter)
	param(fast, 13, classBool, result, 8, fields.FlagParameter|fields.FlagOutput)
	param(result, 14, classInt, health, 0xC, fields.FlagParameter|fields.FlagReturn)
	param(health, 15, classFloat, 0, 0x40, fields.FlagEditable)
	placePtr(fx.fire+get(layout.CatStruct, "Fields"), amount)

	// Argument block contents.
	place32(fx.block, 30)
	if err := hostmem.WriteF32(img, fx.block+4, 2.5); err != nil {
		t.Fatal(err)
	}
	if err := hostmem.WriteU8(img, fx.block+8, 1); err != nil {
		t.Fatal(err)
	}
	place32(fx.block+0xC, -1)

	walker, err := fields.New(img, table, testNames, version.Flags{})
	if err != nil {
		t.Fatal(err)
	}
	fx.deps = &view.Deps{Img: img, Table: table, Names: testNames, Walker: walker}
	fx.d = New(fx.deps)
	return fx
}

func TestNoHandlersAllows(t *testing.T) {
	fx := build(t)

	if v := fx.d.OnCall(fx.pawn, fx.fire, fx.block); v != Allow {
		t.Fatalf("OnCall = %v", v)
	}
	calls, handled, blocked := fx.d.Stats()
	if calls != 1 || handled != 0 || blocked != 0 {
		t.Errorf("Stats = %d, %d, %d", calls, handled, blocked)
	}
}

func TestHandlerReceivesContext(t *testing.T) {
	fx := build(t)

	var got *CallContext
	fx.d.Register("probe", Filter{FunctionEquals: "ServerFire"}, func(ctx *CallContext) Verdict {
		got = ctx
		return Allow
	}, 0)

	if v := fx.d.OnCall(fx.pawn, fx.fire, fx.block); v != Allow {
		t.Fatalf("OnCall = %v", v)
	}
	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.CallerName != "MyPawn" || got.CallerClassName != "Pawn" || got.FunctionName != "ServerFire" {
		t.Errorf("context identity = %q %q %q", got.CallerName, got.CallerClassName, got.FunctionName)
	}
	if !got.IsRPC || got.IsMulticast {
		t.Errorf("IsRPC = %v, IsMulticast = %v", got.IsRPC, got.IsMulticast)
	}
	if !got.HasReturn {
		t.Error("HasReturn should be set")
	}

	p := got.Params
	if p == nil {
		t.Fatal("params not parsed")
	}
	names := p.Names()
	want := []string{"Count", "Amount", "bFast", "Result"}
	if len(names) != len(want) {
		t.Fatalf("param names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("param names = %v, want %v", names, want)
		}
	}
	if v, ok := p.Int("Count"); !ok || v != 30 {
		t.Errorf("Count = %d, %v", v, ok)
	}
	if v, ok := p.Float("Amount"); !ok || v != 2.5 {
		t.Errorf("Amount = %v, %v", v, ok)
	}
	if v, ok := p.Bool("bFast"); !ok || !v {
		t.Errorf("bFast = %v, %v", v, ok)
	}
	if v, ok := p.Int("Result"); !ok || v != -1 {
		t.Errorf("Result = %d, %v", v, ok)
	}
	if addr, ok := p.Raw("Amount"); !ok || addr != fx.block+4 {
		t.Errorf("Raw(Amount) = %#x, %v", uint64(addr), ok)
	}
}

func TestMulticastContext(t *testing.T) {
	fx := build(t)

	var got *CallContext
	fx.d.Register("probe", Filter{}, func(ctx *CallContext) Verdict {
		got = ctx
		return Allow
	}, 0)

	fx.d.OnCall(fx.pawn, fx.boom, 0)
	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.IsRPC || !got.IsMulticast {
		t.Errorf("IsRPC = %v, IsMulticast = %v", got.IsRPC, got.IsMulticast)
	}
	if got.Params != nil {
		t.Error("parameterless function should not parse params")
	}
}

func TestFilterSkipsHandler(t *testing.T) {
	fx := build(t)

	invoked := false
	fx.d.Register("other", Filter{FunctionEquals: "ClientNotify"}, func(*CallContext) Verdict {
		invoked = true
		return Allow
	}, 0)

	fx.d.OnCall(fx.pawn, fx.fire, fx.block)
	if invoked {
		t.Error("handler ran despite filter mismatch")
	}
	if _, handled, _ := fx.d.Stats(); handled != 0 {
		t.Errorf("handled = %d", handled)
	}
}

func TestPriorityAndBlock(t *testing.T) {
	fx := build(t)

	var order []string
	fx.d.Register("low", Filter{}, func(*CallContext) Verdict {
		order = append(order, "low")
		return Allow
	}, 1)
	fx.d.Register("high", Filter{}, func(*CallContext) Verdict {
		order = append(order, "high")
		return Block
	}, 10)

	if v := fx.d.OnCall(fx.pawn, fx.fire, fx.block); v != Block {
		t.Fatalf("OnCall = %v, want Block", v)
	}
	if len(order) != 1 || order[0] != "high" {
		t.Errorf("invocation order = %v", order)
	}
	calls, handled, blocked := fx.d.Stats()
	if calls != 1 || handled != 1 || blocked != 1 {
		t.Errorf("Stats = %d, %d, %d", calls, handled, blocked)
	}
}

func TestSetEnabled(t *testing.T) {
	fx := build(t)

	invoked := 0
	id := fx.d.Register("toggle", Filter{}, func(*CallContext) Verdict {
		invoked++
		return Allow
	}, 0)

	fx.d.OnCall(fx.pawn, fx.fire, fx.block)
	if !fx.d.SetEnabled(id, false) {
		t.Fatal("SetEnabled returned false")
	}
	fx.d.OnCall(fx.pawn, fx.fire, fx.block)
	fx.d.SetEnabled(id, true)
	fx.d.OnCall(fx.pawn, fx.fire, fx.block)

	if invoked != 2 {
		t.Errorf("invoked = %d, want 2", invoked)
	}
	if fx.d.SetEnabled(HandlerID(999), false) {
		t.Error("SetEnabled on unknown id returned true")
	}
}

func TestReentrantRegistration(t *testing.T) {
	fx := build(t)

	var id HandlerID
	id = fx.d.Register("self-remove", Filter{}, func(*CallContext) Verdict {
		fx.d.Unregister(id)
		fx.d.Register("late", Filter{}, func(*CallContext) Verdict { return Allow }, 0)
		return Allow
	}, 0)

	// Must not deadlock and must apply both mutations for next call.
	fx.d.OnCall(fx.pawn, fx.fire, fx.block)
	if fx.d.Unregister(id) {
		t.Error("handler should already be unregistered")
	}
	if _, handled, _ := fx.d.Stats(); handled != 1 {
		t.Errorf("handled = %d", handled)
	}
}

func TestSetOutWritesThrough(t *testing.T) {
	fx := build(t)

	fx.d.Register("mutate", Filter{FunctionEquals: "ServerFire"}, func(ctx *CallContext) Verdict {
		if err := ctx.Params.SetOut("bFast", false); err != nil {
			t.Errorf("SetOut(bFast): %v", err)
		}
		if err := ctx.Params.SetOut("Result", int64(99)); err != nil {
			t.Errorf("SetOut(Result): %v", err)
		}
		if err := ctx.Params.SetOut("Count", int64(1)); !errors.Is(err, ErrNotOutput) {
			t.Errorf("SetOut(Count) = %v, want ErrNotOutput", err)
		}
		if err := ctx.Params.SetOut("Nope", 1); !errors.Is(err, ErrNoSuchParam) {
			t.Errorf("SetOut(Nope) = %v, want ErrNoSuchParam", err)
		}
		return Allow
	}, 0)

	fx.d.OnCall(fx.pawn, fx.fire, fx.block)

	if v, err := hostmem.ReadU8(fx.img, fx.block+8); err != nil || v != 0 {
		t.Errorf("bFast in block = %d, %v", v, err)
	}
	if v, err := hostmem.ReadI32(fx.img, fx.block+0xC); err != nil || v != 99 {
		t.Errorf("Result in block = %d, %v", v, err)
	}
}

func TestUnregister(t *testing.T) {
	fx := build(t)
	id := fx.d.Register("once", Filter{}, func(*CallContext) Verdict { return Allow }, 0)

	if !fx.d.Unregister(id) {
		t.Fatal("Unregister returned false")
	}
	fx.d.OnCall(fx.pawn, fx.fire, fx.block)
	if _, handled, _ := fx.d.Stats(); handled != 0 {
		t.Errorf("handled = %d after unregister", handled)
	}
}

func TestFilterMatches(t *testing.T) {
	ctx := &CallContext{
		CallerClassName: "FortPlayerPawn",
		FunctionName:    "ServerFireWeapon",
	}
	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"class substring", Filter{CallerClassContains: "PlayerPawn"}, true},
		{"class mismatch", Filter{CallerClassContains: "Vehicle"}, false},
		{"exact function", Filter{FunctionEquals: "ServerFireWeapon"}, true},
		{"exact mismatch", Filter{FunctionEquals: "ServerFire"}, false},
		{"prefix", Filter{FunctionPrefix: "ServerFire"}, true},
		{"server only", Filter{ServerOnly: true}, true},
		{"client only", Filter{ClientOnly: true}, false},
		{"combined", Filter{CallerClassContains: "Pawn", FunctionPrefix: "Server", ServerOnly: true}, true},
	}
	for _, c := range cases {
		if got := c.filter.Matches(ctx); got != c.want {
			t.Errorf("%s: Matches = %v, want %v", c.name, got, c.want)
		}
	}
}
