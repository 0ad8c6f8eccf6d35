package router

import (
	"encoding/json"
	"sync"

	"go.lspmux.dev/lspmux/internal/backend"
)

// diagnosticsTracker maps (document URI, backend) to the last published
// diagnostics array. Filtering (dropping a disabled backend's
// publications) does not itself need the recorded history, but keeping
// it makes each backend's diagnostics independently inspectable.
type diagnosticsTracker struct {
	mu   sync.Mutex
	last map[string]json.RawMessage
}

func newDiagnosticsTracker() *diagnosticsTracker {
	return &diagnosticsTracker{last: make(map[string]json.RawMessage)}
}

func diagnosticsKey(uri string, h *backend.Handle) string {
	return uri + "\x00" + h.Name
}

type publishDiagnosticsParams struct {
	URI string `json:"uri"`
}

func (t *diagnosticsTracker) record(h *backend.Handle, params json.RawMessage) {
	var p publishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return
	}
	t.mu.Lock()
	t.last[diagnosticsKey(p.URI, h)] = params
	t.mu.Unlock()
}

// Last returns the most recently forwarded diagnostics params for uri
// from h, if any.
func (t *diagnosticsTracker) Last(uri string, h *backend.Handle) (json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.last[diagnosticsKey(uri, h)]
	return v, ok
}
