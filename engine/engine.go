// Package engine assembles the introspection components against a
// host image: detect the build, resolve its layout, locate the global
// tables and stand up the dispatcher. Construction is the one
// worker-thread entry point; everything after runs synchronously on
// the caller's thread.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/spyglassmod/spyglass/config"
	"github.com/spyglassmod/spyglass/dispatch"
	"github.com/spyglassmod/spyglass/fields"
	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/layout"
	"github.com/spyglassmod/spyglass/objects"
	"github.com/spyglassmod/spyglass/version"
	"github.com/spyglassmod/spyglass/view"
)

var log = commonlog.GetLogger("spyglass.engine")

var (
	ErrAlreadyInitialized = errors.New("engine: already initialized")
	ErrNotInitialized     = errors.New("engine: not initialized")
	ErrNoImage            = errors.New("engine: no host image")

	// ErrNoRegistry and ErrNoNames mark degraded startup: the engine
	// runs, but the lookup that needed the missing table fails.
	ErrNoRegistry = errors.New("engine: object registry unavailable")
	ErrNoNames    = errors.New("engine: name table unavailable")

	ErrObjectNotFound = errors.New("engine: object not found")
)

// Signatures for the host globals. The loader instructions differ per
// generation, so each table carries one pattern per era; all resolve
// through a 7-byte rip-relative instruction with the displacement at
// byte 3.
var (
	sigRegistryChunked = hostmem.MustParseSignature("48 8B 05 ?? ?? ?? ?? 48 8B 0C C8 48 8D 04 D1")
	sigRegistryFlat    = hostmem.MustParseSignature("48 8D 0D ?? ?? ?? ?? E8 ?? ?? ?? ?? E8 ?? ?? ?? ?? E8 ?? ?? ?? ?? 48 8B D6")
	sigNamesPacked     = hostmem.MustParseSignature("48 8D 0D ?? ?? ?? ?? E8 ?? ?? ?? ?? C6 05 ?? ?? ?? ?? 01")
	sigNamesIndirect   = hostmem.MustParseSignature("48 8B 05 ?? ?? ?? ?? 48 85 C0 75 50 B9")
	sigCallGate        = hostmem.MustParseSignature("40 55 56 57 41 54 41 55 41 56 41 57 48 81 EC ?? ?? ?? ?? 48 8D 6C 24")
)

// Options configures engine construction. Image is mandatory; the
// rest defaults from Config.
type Options struct {
	Image        hostmem.Image
	LayoutSource layout.Source
	Config       config.Config

	// Hook, when set, is installed on the host's call gate to feed
	// the dispatcher.
	Hook dispatch.Hook
}

// Engine is the assembled introspection context.
type Engine struct {
	img        hostmem.Image
	cfg        config.Config
	record     version.Record
	table      *layout.Table
	registry   objects.Registry
	names      objects.NameTable
	walker     fields.Walker
	dispatcher *dispatch.Dispatcher
	deps       *view.Deps
	hook       dispatch.Hook
}

var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

// Init builds the process-wide engine. It runs once; later calls fail
// with ErrAlreadyInitialized.
func Init(opts Options) (*Engine, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine != nil {
		return nil, ErrAlreadyInitialized
	}
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	defaultEngine = e
	return e, nil
}

// Default returns the engine built by Init.
func Default() (*Engine, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		return nil, ErrNotInitialized
	}
	return defaultEngine, nil
}

// New assembles an engine bottom-up. Missing globals degrade the
// engine instead of failing it; only an unreadable image or an
// unsupported build is fatal.
func New(opts Options) (*Engine, error) {
	if opts.Image == nil {
		return nil, ErrNoImage
	}
	cfg := opts.Config
	if delay := cfg.StartupDelay.Std(); delay > 0 {
		log.Infof("delaying startup by %v", delay)
		time.Sleep(delay)
	}

	e := &Engine{img: opts.Image, cfg: cfg, hook: opts.Hook}

	rec, err := e.detect()
	if err != nil {
		return nil, err
	}
	e.record = rec

	src := opts.LayoutSource
	if src == nil {
		src = layoutSourceFromConfig(cfg)
	}
	e.table, err = src.Resolve(rec.Generation)
	if err != nil {
		return nil, fmt.Errorf("engine: resolving layout: %w", err)
	}

	e.locateGlobals()

	names := e.names
	if names == nil {
		names = noNames{}
	}
	e.walker, err = fields.New(e.img, e.table, names, rec.Flags)
	if err != nil {
		return nil, fmt.Errorf("engine: building walker: %w", err)
	}

	e.deps = &view.Deps{Img: e.img, Table: e.table, Names: names, Walker: e.walker}

	if !cfg.DisableInterception {
		e.dispatcher = dispatch.New(e.deps)
		e.installHook()
	} else {
		log.Infof("interception disabled by configuration")
	}

	log.Infof("engine up: %s build %s (revision %d), generation %s",
		rec.Engine(), rec.Product(), rec.Revision, rec.Generation)
	return e, nil
}

func (e *Engine) detect() (version.Record, error) {
	table, err := e.mappingTable()
	if err != nil {
		return version.Record{}, err
	}
	resolver := version.NewResolver(table)
	rec, err := resolver.Detect(e.img)
	if err != nil {
		return version.Record{}, fmt.Errorf("engine: detecting build: %w", err)
	}
	return rec, nil
}

func (e *Engine) mappingTable() (*version.MappingTable, error) {
	if e.cfg.MappingFile != "" {
		t, err := version.MappingTableFromFile(e.cfg.MappingFile)
		if err != nil {
			return nil, fmt.Errorf("engine: loading mapping file: %w", err)
		}
		return t, nil
	}
	t, err := version.EmbeddedMappingTable()
	if err != nil {
		return nil, fmt.Errorf("engine: embedded mapping table: %w", err)
	}
	return t, nil
}

func layoutSourceFromConfig(cfg config.Config) layout.Source {
	var src layout.Source = layout.Builtin()
	if cfg.LayoutArchive != "" {
		src = layout.ArchiveSource{Base: src, Path: cfg.LayoutArchive}
	}
	if cfg.LayoutOverrides != "" {
		src = layout.FileSource{Base: src, Path: cfg.LayoutOverrides}
	}
	return src
}

// locateGlobals scans for the registry and name pool. A miss leaves
// the component nil and the engine degraded.
func (e *Engine) locateGlobals() {
	regSig := sigRegistryFlat
	if e.record.Flags.ChunkedRegistry {
		regSig = sigRegistryChunked
	}
	if base, err := resolveGlobal(e.img, regSig); err == nil {
		e.registry = objects.NewRegistry(e.img, base, e.record.Flags)
	} else {
		log.Warningf("object registry not located: %s", err.Error())
	}

	nameSig := sigNamesIndirect
	if e.record.Flags.PackedNames {
		nameSig = sigNamesPacked
	}
	if base, err := resolveGlobal(e.img, nameSig); err == nil {
		e.names = objects.NewNameTable(e.img, base, e.record.Flags)
	} else {
		log.Warningf("name table not located: %s", err.Error())
	}
}

// resolveGlobal finds a loader instruction and chases its rip-relative
// displacement to the global it loads.
func resolveGlobal(img hostmem.Image, sig *hostmem.Signature) (hostmem.Addr, error) {
	at, err := sig.Find(img)
	if err != nil {
		return 0, err
	}
	return hostmem.ResolveRelative(img, at, 7, 3)
}

// installHook puts the dispatcher on the host's call gate. Failure is
// logged and absorbed; views and lookups work without interception.
func (e *Engine) installHook() {
	if e.hook == nil {
		return
	}
	target, err := sigCallGate.Find(e.img)
	if err != nil {
		log.Warningf("call gate not located, interception off: %s", err.Error())
		return
	}
	if err := e.hook.Install(target, e.dispatcher); err != nil {
		log.Errorf("%s: %s", dispatch.ErrHookFailed.Error(), err.Error())
		return
	}
	log.Infof("call gate hooked at %#x", uint64(target))
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (e *Engine) Version() version.Record          { return e.record }
func (e *Engine) Layout() *layout.Table            { return e.table }
func (e *Engine) Registry() objects.Registry       { return e.registry }
func (e *Engine) Names() objects.NameTable         { return e.names }
func (e *Engine) Walker() fields.Walker            { return e.walker }
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Object views the object at h.
func (e *Engine) Object(h objects.Handle) view.Object {
	return view.NewObject(e.deps, h)
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func (e *Engine) scan(match func(view.Object) bool) (view.Object, error) {
	if e.registry == nil {
		return view.Object{}, ErrNoRegistry
	}
	if e.names == nil {
		return view.Object{}, ErrNoNames
	}
	for i := int32(0); i < e.registry.Count(); i++ {
		h := e.registry.Get(i)
		if h.IsZero() {
			continue
		}
		o := view.NewObject(e.deps, h)
		if match(o) {
			return o, nil
		}
	}
	return view.Object{}, ErrObjectNotFound
}

// FindObject locates an object by its full "Class Path.Name" identity.
func (e *Engine) FindObject(fullName string) (view.Object, error) {
	return e.scan(func(o view.Object) bool { return o.FullName() == fullName })
}

// FindObjectNamed locates the first object with the given display
// name.
func (e *Engine) FindObjectNamed(name string) (view.Object, error) {
	return e.scan(func(o view.Object) bool { return o.Name() == name })
}

// FindClass locates a class definition by name.
func (e *Engine) FindClass(name string) (view.Class, error) {
	o, err := e.scan(func(o view.Object) bool {
		if o.Name() != name {
			return false
		}
		_, ok := o.AsClass()
		return ok
	})
	if err != nil {
		return view.Class{}, err
	}
	c, _ := o.AsClass()
	return c, nil
}

// ---------------------------------------------------------------------------
// Degraded-mode stand-ins
// ---------------------------------------------------------------------------

// noNames satisfies the name table interface when the pool was not
// located; every resolution fails softly.
type noNames struct{}

func (noNames) Resolve(index int32) (objects.Name, error) {
	return objects.Name{}, fmt.Errorf("%w: name %d", ErrNoNames, index)
}

func (noNames) String(int32) string { return "" }
