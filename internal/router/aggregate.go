package router

import (
	"encoding/json"

	"go.lspmux.dev/lspmux/internal/backend"
	"go.lspmux.dev/lspmux/internal/jsonrpc"
)

// sameID reports whether two raw JSON-RPC ids denote the same id,
// independent of whether the underlying JSON is a string or a number.
func sameID(a, b json.RawMessage) bool {
	return jsonrpc.IDKey(a) == jsonrpc.IDKey(b)
}

// initAggregate is the pending aggregate for `initialize`: the client's
// original id, the set of backends still to respond, and each backend's
// partial result (or error) collected so far.
type initAggregate struct {
	clientID json.RawMessage
	order    []*backend.Handle
	missing  map[*backend.Handle]bool
	results  map[*backend.Handle]json.RawMessage
	errs     map[*backend.Handle]*jsonrpc.Error
}

func newInitAggregate(clientID json.RawMessage, backends []*backend.Handle) *initAggregate {
	missing := make(map[*backend.Handle]bool, len(backends))
	for _, h := range backends {
		missing[h] = true
	}
	return &initAggregate{
		clientID: clientID,
		order:    append([]*backend.Handle{}, backends...),
		missing:  missing,
		results:  make(map[*backend.Handle]json.RawMessage),
		errs:     make(map[*backend.Handle]*jsonrpc.Error),
	}
}

func (a *initAggregate) record(h *backend.Handle, result json.RawMessage, errObj *jsonrpc.Error) {
	if !a.missing[h] {
		return
	}
	delete(a.missing, h)
	if errObj != nil {
		a.errs[h] = errObj
	} else {
		a.results[h] = result
	}
}

func (a *initAggregate) done() bool { return len(a.missing) == 0 }

// firstError returns the first (in configured order) backend that failed
// to initialize, if any. A single failed backend aborts the whole
// aggregate: no error is recovered silently across initialize.
func (a *initAggregate) firstError() (*backend.Handle, *jsonrpc.Error) {
	for _, h := range a.order {
		if e, ok := a.errs[h]; ok {
			return h, e
		}
	}
	return nil, nil
}

// shutdownAggregate is the Pending Aggregate for `shutdown`: the client's
// id and the set of live backends still to respond. Its body carries no
// per-backend result since the synthesized response is always `null`.
type shutdownAggregate struct {
	clientID json.RawMessage
	missing  map[*backend.Handle]bool
}

func newShutdownAggregate(clientID json.RawMessage, backends []*backend.Handle) *shutdownAggregate {
	missing := make(map[*backend.Handle]bool, len(backends))
	for _, h := range backends {
		missing[h] = true
	}
	return &shutdownAggregate{clientID: clientID, missing: missing}
}

func (a *shutdownAggregate) record(h *backend.Handle) {
	delete(a.missing, h)
}

func (a *shutdownAggregate) done() bool { return len(a.missing) == 0 }

// codeActionAggregate is the pending aggregate for
// `textDocument/codeAction`: same shape as shutdown plus a concatenation
// buffer of per-backend result arrays.
type codeActionAggregate struct {
	clientID json.RawMessage
	order    []*backend.Handle
	missing  map[*backend.Handle]bool
	items    map[*backend.Handle][]json.RawMessage
}

func newCodeActionAggregate(clientID json.RawMessage, backends []*backend.Handle) *codeActionAggregate {
	missing := make(map[*backend.Handle]bool, len(backends))
	for _, h := range backends {
		missing[h] = true
	}
	return &codeActionAggregate{
		clientID: clientID,
		order:    append([]*backend.Handle{}, backends...),
		missing:  missing,
		items:    make(map[*backend.Handle][]json.RawMessage),
	}
}

func (a *codeActionAggregate) record(h *backend.Handle, result json.RawMessage, errObj *jsonrpc.Error) {
	if !a.missing[h] {
		return
	}
	delete(a.missing, h)
	if errObj != nil {
		// A failed backend contributes nothing to the merge.
		return
	}
	var arr []json.RawMessage
	_ = json.Unmarshal(result, &arr)
	a.items[h] = arr
}

func (a *codeActionAggregate) done() bool { return len(a.missing) == 0 }

// merge concatenates every backend's result array in configured order.
func (a *codeActionAggregate) merge() json.RawMessage {
	var all []json.RawMessage
	for _, h := range a.order {
		all = append(all, a.items[h]...)
	}
	if all == nil {
		return json.RawMessage("[]")
	}
	b, err := json.Marshal(all)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}
