// Package dispatch routes intercepted host calls to registered
// handlers. The dispatcher sits on the host's call path, so the
// no-handler case must stay nearly free: no context is built and no
// arguments are parsed until a registered filter actually matches.
package dispatch

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/spyglassmod/spyglass/fields"
	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/objects"
	"github.com/spyglassmod/spyglass/view"
)

var log = commonlog.GetLogger("spyglass.dispatch")

// ErrHookFailed wraps a hook installation failure. Callers treat it as
// non-fatal: the rest of the system runs without interception.
var ErrHookFailed = errors.New("dispatch: hook installation failed")

// Hook installs the dispatcher onto the host's call path. The concrete
// mechanism is platform code; the dispatcher only defines the seam.
type Hook interface {
	Install(target hostmem.Addr, d *Dispatcher) error
	Remove() error
}

// HandlerID identifies one registration.
type HandlerID int64

type registration struct {
	id       HandlerID
	name     string
	filter   Filter
	handler  Handler
	priority int
	enabled  bool
}

// Dispatcher fans intercepted calls out to handlers in priority
// order. Registration is safe from inside a running handler: dispatch
// iterates a snapshot, never the live table.
type Dispatcher struct {
	deps *view.Deps

	mu       sync.Mutex
	handlers []*registration
	sorted   bool
	nextID   HandlerID

	cacheMu    sync.Mutex
	paramCache map[objects.Handle][]fields.Descriptor

	calls   atomic.Uint64
	handled atomic.Uint64
	blocked atomic.Uint64
}

// New builds a dispatcher over the shared decoding context.
func New(deps *view.Deps) *Dispatcher {
	return &Dispatcher{
		deps:       deps,
		sorted:     true,
		paramCache: make(map[objects.Handle][]fields.Descriptor),
	}
}

// Register adds a handler. Higher priority runs earlier; equal
// priorities keep registration order.
func (d *Dispatcher) Register(name string, filter Filter, handler Handler, priority int) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	r := &registration{
		id:       d.nextID,
		name:     name,
		filter:   filter,
		handler:  handler,
		priority: priority,
		enabled:  true,
	}
	d.handlers = append(d.handlers, r)
	d.sorted = len(d.handlers) < 2
	log.Infof("registered handler %q (id %d, priority %d)", name, r.id, priority)
	return r.id
}

// Unregister removes a handler. Removal during dispatch takes effect
// on the next call.
func (d *Dispatcher) Unregister(id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.handlers {
		if r.id == id {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			log.Infof("unregistered handler %q (id %d)", r.name, id)
			return true
		}
	}
	return false
}

// SetEnabled toggles a handler without losing its registration.
func (d *Dispatcher) SetEnabled(id HandlerID, enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.handlers {
		if r.id == id {
			r.enabled = enabled
			return true
		}
	}
	return false
}

// Stats returns the lifetime counters: calls seen, handlers invoked
// and calls blocked.
func (d *Dispatcher) Stats() (calls, handled, blocked uint64) {
	return d.calls.Load(), d.handled.Load(), d.blocked.Load()
}

// snapshot returns the enabled registrations in dispatch order.
func (d *Dispatcher) snapshot() []*registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handlers) == 0 {
		return nil
	}
	if !d.sorted {
		sort.SliceStable(d.handlers, func(a, b int) bool {
			return d.handlers[a].priority > d.handlers[b].priority
		})
		d.sorted = true
	}
	out := make([]*registration, 0, len(d.handlers))
	for _, r := range d.handlers {
		if r.enabled {
			out = append(out, r)
		}
	}
	return out
}

// OnCall is the interception entry point. It must return quickly when
// nothing is registered; the host calls it for every reflected call.
func (d *Dispatcher) OnCall(caller, function objects.Handle, block hostmem.Addr) Verdict {
	d.calls.Add(1)

	regs := d.snapshot()
	if len(regs) == 0 {
		return Allow
	}

	ctx := d.buildContext(caller, function, block)

	var matched []*registration
	for _, r := range regs {
		if r.filter.Matches(ctx) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return Allow
	}

	descs := d.functionParams(function)
	if len(descs) > 0 {
		ctx.Params = parseParams(d.deps, block, descs)
		for _, p := range descs {
			if p.Flags.Return() {
				ctx.HasReturn = true
			}
		}
	}

	for _, r := range matched {
		d.handled.Add(1)
		if r.handler(ctx) == Block {
			d.blocked.Add(1)
			log.Debugf("handler %q blocked %s", r.name, ctx.FunctionName)
			return Block
		}
	}
	return Allow
}

// buildContext resolves the cheap identity fields only.
func (d *Dispatcher) buildContext(caller, function objects.Handle, block hostmem.Addr) *CallContext {
	callerView := view.NewObject(d.deps, caller)
	functionView := view.NewObject(d.deps, function)
	name := functionView.Name()
	return &CallContext{
		Caller:          caller,
		Function:        function,
		Block:           block,
		CallerName:      callerView.Name(),
		CallerClassName: callerView.Class().Name(),
		FunctionName:    name,
		IsRPC:           strings.HasPrefix(name, "Server") || strings.HasPrefix(name, "Client"),
		IsMulticast:     strings.Contains(name, "Multicast"),
	}
}

// functionParams returns the cached parameter layout for a function,
// building it on first sight.
func (d *Dispatcher) functionParams(function objects.Handle) []fields.Descriptor {
	d.cacheMu.Lock()
	descs, ok := d.paramCache[function]
	d.cacheMu.Unlock()
	if ok {
		return descs
	}

	descs = parameters(d.deps, function)

	d.cacheMu.Lock()
	d.paramCache[function] = descs
	d.cacheMu.Unlock()
	return descs
}
