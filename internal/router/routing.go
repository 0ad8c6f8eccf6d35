package router

import (
	"go.lspmux.dev/lspmux/internal/backend"
	"go.lspmux.dev/lspmux/internal/capability"
)

// table is the routing table: a mapping from routable method (or, for
// executeCommand, command name) to the backend resolved to handle it.
// Entries are created lazily and retained for the life of the session.
type table struct {
	backends []*backend.Handle
	primary  *backend.Handle

	single map[string]*backend.Handle

	codeActionBackends []*backend.Handle
	codeActionResolved bool

	commandBackends map[string]*backend.Handle
}

func newTable(backends []*backend.Handle, primary *backend.Handle) *table {
	return &table{
		backends:        backends,
		primary:         primary,
		single:          make(map[string]*backend.Handle),
		commandBackends: make(map[string]*backend.Handle),
	}
}

// useFlag reports whether backend h carries the use<X> preference flag
// for method.
func useFlag(h *backend.Handle, method string) bool {
	switch method {
	case capability.Completion, capability.CompletionResolve:
		return h.Config.UseCompletion
	case capability.SignatureHelp:
		return h.Config.UseSignatureHelp
	case capability.Formatting, capability.RangeFormatting:
		return h.Config.UseFormatting
	default:
		return false
	}
}

// resolve resolves a non-executeCommand routable method to a backend,
// memoizing the result.
func (t *table) resolve(method string) *backend.Handle {
	if h, ok := t.single[method]; ok {
		return h
	}

	h := t.resolveNow(method)
	t.single[method] = h
	return h
}

// alive reports whether h has not been marked dead. A dead backend is
// skipped by every resolution made after it died; a method or command
// already resolved keeps its memoized backend, and routeSingle answers
// requests for a dead one with an internal error.
func alive(h *backend.Handle) bool {
	dead, _ := h.Dead()
	return !dead
}

func (t *table) resolveNow(method string) *backend.Handle {
	// Step 1: first backend whose use<X> flag is set AND supports the feature.
	for _, h := range t.backends {
		if alive(h) && useFlag(h, method) && h.Supports(method, "") {
			return h
		}
	}
	// Step 2: the primary, if it supports the feature.
	if alive(t.primary) && t.primary.Supports(method, "") {
		return t.primary
	}
	// Step 3: first backend in configured order that supports the feature.
	for _, h := range t.backends {
		if alive(h) && h.Supports(method, "") {
			return h
		}
	}
	// Step 4: fall through to the primary; it will answer "method not found".
	return t.primary
}

// resolveCommand implements the per-command executeCommand resolution
// rule: preferred backend first, then the primary, then any other
// advertiser, then the primary again as a last resort.
func (t *table) resolveCommand(command string) *backend.Handle {
	if h, ok := t.commandBackends[command]; ok {
		return h
	}

	var resolved *backend.Handle
	for _, h := range t.backends {
		if alive(h) && h.Config.UseExecuteCommand && capability.SupportsCommand(h.Capabilities(), command) {
			resolved = h
			break
		}
	}
	if resolved == nil && alive(t.primary) && capability.SupportsCommand(t.primary.Capabilities(), command) {
		resolved = t.primary
	}
	if resolved == nil {
		for _, h := range t.backends {
			if alive(h) && capability.SupportsCommand(h.Capabilities(), command) {
				resolved = h
				break
			}
		}
	}
	if resolved == nil {
		resolved = t.primary
	}

	t.commandBackends[command] = resolved
	return resolved
}

// codeActionSet returns every backend advertising code-action support, in
// configured order, computed once and cached.
func (t *table) codeActionSet() []*backend.Handle {
	if t.codeActionResolved {
		return t.codeActionBackends
	}
	for _, h := range t.backends {
		if h.Supports(capability.CodeAction, "") {
			t.codeActionBackends = append(t.codeActionBackends, h)
		}
	}
	t.codeActionResolved = true
	return t.codeActionBackends
}

// commandUnion returns the order-preserving, deduplicated union of every
// backend's advertised commands, primary first.
func commandUnion(backends []*backend.Handle) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range backends {
		for _, c := range capability.Commands(h.Capabilities()) {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}
