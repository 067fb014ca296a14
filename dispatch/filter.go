package dispatch

import (
	"strings"

	"github.com/spyglassmod/spyglass/hostmem"
	"github.com/spyglassmod/spyglass/objects"
)

// Verdict is a handler's decision about an intercepted call.
type Verdict int

const (
	// Allow lets the call continue to the next handler and then the
	// host.
	Allow Verdict = iota

	// Block stops the handler chain and suppresses the call.
	Block
)

func (v Verdict) String() string {
	if v == Block {
		return "Block"
	}
	return "Allow"
}

// Handler inspects an intercepted call and rules on it.
type Handler func(*CallContext) Verdict

// CallContext describes one intercepted call. The cheap identity
// fields are always populated; Params stays nil unless some matching
// handler needed the argument block parsed.
type CallContext struct {
	Caller   objects.Handle
	Function objects.Handle
	Block    hostmem.Addr

	CallerName      string
	CallerClassName string
	FunctionName    string

	// IsRPC marks functions named with the host's remote-call
	// prefixes; IsMulticast marks fan-out calls.
	IsRPC       bool
	IsMulticast bool
	HasReturn   bool

	Params *Params
}

// Filter selects the calls a handler wants. Zero-value fields do not
// constrain; a zero filter matches everything.
type Filter struct {
	// CallerClassContains matches a substring of the caller's class
	// name.
	CallerClassContains string

	// FunctionEquals matches the exact function name.
	FunctionEquals string

	// FunctionPrefix matches a function name prefix.
	FunctionPrefix string

	// ServerOnly and ClientOnly restrict to one remote-call direction.
	ServerOnly bool
	ClientOnly bool
}

// Matches reports whether the filter selects the call.
func (f Filter) Matches(ctx *CallContext) bool {
	if f.CallerClassContains != "" && !strings.Contains(ctx.CallerClassName, f.CallerClassContains) {
		return false
	}
	if f.FunctionEquals != "" && ctx.FunctionName != f.FunctionEquals {
		return false
	}
	if f.FunctionPrefix != "" && !strings.HasPrefix(ctx.FunctionName, f.FunctionPrefix) {
		return false
	}
	if f.ServerOnly && !strings.HasPrefix(ctx.FunctionName, "Server") {
		return false
	}
	if f.ClientOnly && !strings.HasPrefix(ctx.FunctionName, "Client") {
		return false
	}
	return true
}
