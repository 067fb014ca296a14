package engine

import (
	"errors"
	"testing"

	"github.com/spyglassmod/spyglass/config"
	"github.com/spyglassmod/spyglass/dispatch"
	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/objects"
	"github.com/spyglassmod/spyglass/version"
)

const testBase = hostmem.Addr(0x140000000)

// Fixture map. The loader instructions sit apart from the data they
// reference; displacements are computed below.
const (
	fxRelease  = testBase + 0x200
	fxRegInstr = testBase + 0x300
	fxNamInstr = testBase + 0x340
	fxCallGate = testBase + 0x380
	fxRegistry = testBase + 0x2000
	fxNames    = testBase + 0x3000
	fxChunk    = testBase + 0x3100
	fxEntries  = testBase + 0x3800
	fxItems    = testBase + 0x4000
)

type builder struct {
	t   *testing.T
	img *hostmem.Buffer
}

func (b *builder) p32(addr hostmem.Addr, v int32) {
	b.t.Helper()
	if err := hostmem.WriteI32(b.img, addr, v); err != nil {
		b.t.Fatal(err)
	}
}

func (b *builder) ptr(addr, v hostmem.Addr) {
	b.t.Helper()
	if err := hostmem.WritePtr(b.img, addr, v); err != nil {
		b.t.Fatal(err)
	}
}

// rel writes a 7-byte rip-relative loader instruction plus trailer
// and points its displacement at target.
func (b *builder) rel(instr hostmem.Addr, opcode []byte, trailer []byte, target hostmem.Addr) {
	b.t.Helper()
	b.img.Place(instr, opcode)
	b.img.Place(instr+7, trailer)
	b.p32(instr+3, int32(int64(target)-int64(instr)-7))
}

func (b *builder) object(h, class objects.Handle, nameIndex int32, outer objects.Handle) {
	// Gen4_16 object header offsets.
	b.ptr(h+0x10, class)
	b.p32(h+0x18, nameIndex)
	b.ptr(h+0x20, outer)
}

func (b *builder) name(index int32, text string) {
	entry := fxEntries + hostmem.Addr(index)*0x40
	b.ptr(fxChunk+hostmem.Addr(index)*8, entry)
	b.p32(entry, index<<1)
	b.img.Place(entry+0x10, append([]byte(text), 0))
}

// buildImage lays out a detectable 4.16-era host with a flat registry,
// an indirect name table and a call gate.
func buildImage(t *testing.T) *hostmem.Buffer {
	t.Helper()
	img := hostmem.NewBuffer(testBase, 0x40000)
	b := &builder{t: t, img: img}

	img.Place(fxRelease, append([]byte("++Fortnite+Release-1.80-CL-3724489"), 0))

	b.rel(fxRegInstr, []byte{0x48, 0x8D, 0x0D, 0, 0, 0, 0},
		[]byte{0xE8, 1, 1, 1, 1, 0xE8, 2, 2, 2, 2, 0xE8, 3, 3, 3, 3, 0x48, 0x8B, 0xD6}, fxRegistry)
	b.rel(fxNamInstr, []byte{0x48, 0x8B, 0x05, 0, 0, 0, 0},
		[]byte{0x48, 0x85, 0xC0, 0x75, 0x50, 0xB9}, fxNames)
	img.Place(fxCallGate, []byte{
		0x40, 0x55, 0x56, 0x57, 0x41, 0x54, 0x41, 0x55, 0x41, 0x56, 0x41, 0x57,
		0x48, 0x81, 0xEC, 0x88, 0x01, 0x00, 0x00, 0x48, 0x8D, 0x6C, 0x24,
	})

	b.ptr(fxNames, fxChunk)
	b.name(1, "Object")
	b.name(2, "Class")
	b.name(3, "Pawn")
	b.name(4, "MyPawn")
	b.name(5, "Game")

	classClass := testBase + 0x5000
	classObject := testBase + 0x5100
	classPawn := testBase + 0x5200
	pkg := testBase + 0x6000
	pawn := testBase + 0x6100

	b.object(classClass, classClass, 2, 0)
	b.object(classObject, classClass, 1, 0)
	b.object(classPawn, classClass, 3, 0)
	b.object(pkg, classObject, 5, 0)
	b.object(pawn, classPawn, 4, pkg)

	// Flat registry: inner header at +0x10, slot stride 0x18.
	slots := []objects.Handle{classClass, classObject, classPawn, pkg, pawn}
	b.ptr(fxRegistry+0x10, fxItems)
	b.p32(fxRegistry+0x18, int32(len(slots)))
	b.p32(fxRegistry+0x1C, int32(len(slots)))
	for i, h := range slots {
		b.ptr(fxItems+hostmem.Addr(i)*0x18, h)
	}
	return img
}

func TestNewAssemblesEngine(t *testing.T) {
	e, err := New(Options{Image: buildImage(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := e.Version()
	if rec.Generation != version.Gen4_16 || rec.Revision != 3724489 {
		t.Errorf("version = %+v", rec)
	}
	if e.Layout() == nil || e.Layout().Generation() != version.Gen4_16 {
		t.Error("layout not resolved for generation")
	}
	if e.Registry() == nil {
		t.Fatal("registry not located")
	}
	if e.Names() == nil {
		t.Fatal("name table not located")
	}
	if got := e.Registry().Count(); got != 5 {
		t.Errorf("registry Count = %d", got)
	}
	if got := e.Names().String(3); got != "Pawn" {
		t.Errorf("name 3 = %q", got)
	}
	if e.Dispatcher() == nil {
		t.Error("dispatcher not built")
	}
}

func TestLookups(t *testing.T) {
	e, err := New(Options{Image: buildImage(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o, err := e.FindObjectNamed("MyPawn")
	if err != nil {
		t.Fatalf("FindObjectNamed: %v", err)
	}
	if got := o.PathName(); got != "Game.MyPawn" {
		t.Errorf("PathName = %q", got)
	}

	full, err := e.FindObject("Pawn Game.MyPawn")
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if full.Handle() != o.Handle() {
		t.Error("FindObject found a different object")
	}

	c, err := e.FindClass("Pawn")
	if err != nil {
		t.Fatalf("FindClass: %v", err)
	}
	if got := c.Name(); got != "Pawn" {
		t.Errorf("class Name = %q", got)
	}

	// "Game" names a package object, not a class.
	if _, err := e.FindClass("Game"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("FindClass(Game) = %v, want ErrObjectNotFound", err)
	}
	if _, err := e.FindObjectNamed("Nothing"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("FindObjectNamed(Nothing) = %v, want ErrObjectNotFound", err)
	}
}

func TestDegradedWithoutGlobals(t *testing.T) {
	img := hostmem.NewBuffer(testBase, 0x1000)
	img.Place(testBase+0x200, append([]byte("++Fortnite+Release-1.80-CL-3724489"), 0))

	e, err := New(Options{Image: img})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Registry() != nil || e.Names() != nil {
		t.Error("globals should be missing")
	}
	if _, err := e.FindObjectNamed("MyPawn"); !errors.Is(err, ErrNoRegistry) {
		t.Errorf("FindObjectNamed = %v, want ErrNoRegistry", err)
	}
}

func TestDisableInterception(t *testing.T) {
	e, err := New(Options{
		Image:  buildImage(t),
		Config: config.Config{DisableInterception: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Dispatcher() != nil {
		t.Error("dispatcher built despite disabled interception")
	}
}

type recordingHook struct {
	target hostmem.Addr
	fail   bool
}

func (h *recordingHook) Install(target hostmem.Addr, d *dispatch.Dispatcher) error {
	if h.fail {
		return errors.New("patch rejected")
	}
	h.target = target
	return nil
}

func (h *recordingHook) Remove() error { return nil }

func TestHookInstallation(t *testing.T) {
	hook := &recordingHook{}
	if _, err := New(Options{Image: buildImage(t), Hook: hook}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if hook.target != fxCallGate {
		t.Errorf("hook target = %#x, want %#x", uint64(hook.target), uint64(fxCallGate))
	}

	// A failing hook degrades, never aborts.
	if _, err := New(Options{Image: buildImage(t), Hook: &recordingHook{fail: true}}); err != nil {
		t.Fatalf("New with failing hook: %v", err)
	}
}

func TestInitOnce(t *testing.T) {
	defaultMu.Lock()
	defaultEngine = nil
	defaultMu.Unlock()

	if _, err := Default(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Default before Init = %v", err)
	}
	e, err := Init(Options{Image: buildImage(t)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := Init(Options{Image: buildImage(t)}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init = %v, want ErrAlreadyInitialized", err)
	}
	got, err := Default()
	if err != nil || got != e {
		t.Errorf("Default = %v, %v", got, err)
	}

	defaultMu.Lock()
	defaultEngine = nil
	defaultMu.Unlock()
}

func TestNewRequiresImage(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoImage) {
		t.Errorf("New without image = %v, want ErrNoImage", err)
	}
}
