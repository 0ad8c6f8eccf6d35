// Package router implements the state machine that demultiplexes
// JSON-RPC messages between one client and N backends, synchronizes
// aggregate requests, routes feature requests to a resolved backend,
// merges codeAction results, and rewrites ids so independent id spaces
// coexist.
package router

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"go.lspmux.dev/lspmux/internal/backend"
	"go.lspmux.dev/lspmux/internal/capability"
	"go.lspmux.dev/lspmux/internal/jsonrpc"
)

// ClientSink is the write side of the client-facing transport. It exists
// as an interface so the Router can be unit tested without a real framed
// stream; internal/proxy's implementation queues onto a FIFO channel
// drained by its own goroutine, mirroring backend.Handle's output queue.
type ClientSink interface {
	Send(msg *jsonrpc.Message)
}

// serverOrigin remembers, for a client-facing id the proxy minted on
// behalf of a server-initiated request, which backend and backend-local
// id to route the client's eventual response back to.
type serverOrigin struct {
	backend *backend.Handle
	id      json.RawMessage
}

// Router is the event-driven core of the proxy. Concurrency here comes
// from one goroutine per input stream calling into the Router, not from
// a single-threaded event loop. The lifecycle state and the pending
// aggregates are touched only while holding mu; the table of
// server-initiated request ids has its own lock, serverReqMu. The routing
// table is not guarded by either lock.
type Router struct {
	client   ClientSink
	backends []*backend.Handle
	primary  *backend.Handle
	table    *table
	diag     *diagnosticsTracker

	mu             sync.Mutex
	state          State
	initAgg        *initAggregate
	shutdownAgg    *shutdownAggregate
	codeActionAggs map[string]*codeActionAggregate

	serverReqNextID atomic.Int64
	serverReqMu     sync.Mutex
	serverReq       map[string]serverOrigin

	doneOnce sync.Once
	done     chan struct{}
}

// New builds a Router for the given backends, the first of which is the
// primary.
func New(client ClientSink, backends []*backend.Handle) *Router {
	primary := backends[0]
	return &Router{
		client:         client,
		backends:       backends,
		primary:        primary,
		table:          newTable(backends, primary),
		diag:           newDiagnosticsTracker(),
		state:          StateUninitialized,
		codeActionAggs: make(map[string]*codeActionAggregate),
		serverReq:      make(map[string]serverOrigin),
		done:           make(chan struct{}),
	}
}

// Done is closed once the session has reached EXITED.
func (r *Router) Done() <-chan struct{} { return r.done }

func (r *Router) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// terminate transitions to EXITED (idempotent) and signals Done.
func (r *Router) terminate() {
	r.mu.Lock()
	r.state = StateExited
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Router) liveBackends() []*backend.Handle {
	out := make([]*backend.Handle, 0, len(r.backends))
	for _, h := range r.backends {
		if alive(h) {
			out = append(out, h)
		}
	}
	return out
}

func (r *Router) liveInitializedBackends() []*backend.Handle {
	out := make([]*backend.Handle, 0, len(r.backends))
	for _, h := range r.backends {
		if alive(h) && h.Initialized() {
			out = append(out, h)
		}
	}
	return out
}

// ---- Client -> Proxy -------------------------------------------------

// HandleClient dispatches one message read from the client stream.
func (r *Router) HandleClient(msg *jsonrpc.Message) {
	switch {
	case msg.IsRequest():
		r.handleClientRequest(msg)
	case msg.IsNotification():
		r.handleClientNotification(msg)
	case msg.IsResponse():
		r.handleClientResponse(msg)
	default:
		log.Printf("[Router] dropping malformed client message")
	}
}

// HandleClientClosed handles the client stream closing without an
// explicit exit notification: broadcast exit to every backend and
// terminate.
func (r *Router) HandleClientClosed() {
	if r.getState() == StateExited {
		return
	}
	log.Printf("[Router] client stream closed without exit; broadcasting exit")
	r.broadcastExit()
	r.terminate()
}

func (r *Router) handleClientNotification(msg *jsonrpc.Message) {
	switch msg.Method {
	case "initialized":
		for _, h := range r.backends {
			if alive(h) && h.Initialized() {
				h.SendNotification(msg.Method, msg.Params)
			}
		}
	case "exit":
		r.broadcastExit()
		r.terminate()
	case "workspace/didChangeConfiguration":
		for _, h := range r.liveInitializedBackends() {
			h.SendNotification(msg.Method, buildConfigParams(msg.Params, h))
		}
	case "$/cancelRequest":
		r.handleCancel(msg)
	default:
		for _, h := range r.liveInitializedBackends() {
			h.SendNotification(msg.Method, msg.Params)
		}
	}
}

func (r *Router) broadcastExit() {
	for _, h := range r.backends {
		if h.MarkExitSent() {
			h.SendNotification("exit", nil)
		}
	}
}

type cancelParams struct {
	ID json.RawMessage `json:"id"`
}

// handleCancel forwards $/cancelRequest to whichever backend(s) hold a
// pending entry for the cancelled client id. For a pending aggregate
// this reaches every participating backend, since each recorded the
// same client id in its own pending map.
func (r *Router) handleCancel(msg *jsonrpc.Message) {
	var p cancelParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || len(p.ID) == 0 {
		return
	}
	for _, h := range r.backends {
		if !alive(h) {
			continue
		}
		if backendID, ok := h.PendingIDForClient(p.ID); ok {
			h.SendNotification("$/cancelRequest", setJSONField(nil, "id", backendID))
		}
	}
}

func (r *Router) handleClientRequest(msg *jsonrpc.Message) {
	if msg.Method == "initialize" {
		r.startInitialize(msg)
		return
	}

	switch r.getState() {
	case StateUninitialized, StateInitializing:
		r.replyError(msg.ID, jsonrpc.CodeServerNotInitialized, "server not initialized")
		return
	case StateShuttingDown, StateShutdownAcked, StateExited:
		r.replyError(msg.ID, jsonrpc.CodeInvalidRequest, "invalid request: server is shutting down")
		return
	}

	switch msg.Method {
	case "shutdown":
		r.startShutdown(msg)
	case capability.CodeAction:
		r.startCodeAction(msg)
	case capability.Completion, capability.CompletionResolve, capability.SignatureHelp,
		capability.Formatting, capability.RangeFormatting:
		r.routeSingle(msg, r.table.resolve(msg.Method))
	case capability.ExecuteCommand:
		r.routeExecuteCommand(msg)
	default:
		r.routeSingle(msg, r.primary)
	}
}

func (r *Router) handleClientResponse(msg *jsonrpc.Message) {
	key := jsonrpc.IDKey(msg.ID)
	r.serverReqMu.Lock()
	origin, ok := r.serverReq[key]
	if ok {
		delete(r.serverReq, key)
	}
	r.serverReqMu.Unlock()

	if !ok {
		log.Printf("[Router] unknown response id %s from client", key)
		return
	}
	origin.backend.SendResponse(&jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: origin.id, Result: msg.Result, Error: msg.Error})
}

func (r *Router) replyError(id json.RawMessage, code int, message string) {
	r.client.Send(jsonrpc.NewErrorResponse(id, code, message))
}

// routeSingle forwards msg to exactly one backend, recording the id
// translation so the eventual response can be relayed back unchanged.
func (r *Router) routeSingle(msg *jsonrpc.Message, h *backend.Handle) {
	if !alive(h) {
		r.replyError(msg.ID, jsonrpc.CodeInternalError, fmt.Sprintf("backend %s is unavailable", h.Name))
		return
	}
	h.SendRequest(msg.Method, msg.Params, msg.ID)
}

type executeCommandParams struct {
	Command string `json:"command"`
}

func (r *Router) routeExecuteCommand(msg *jsonrpc.Message) {
	var p executeCommandParams
	_ = json.Unmarshal(msg.Params, &p)
	r.routeSingle(msg, r.table.resolveCommand(p.Command))
}

func (r *Router) startInitialize(msg *jsonrpc.Message) {
	r.mu.Lock()
	if r.state != StateUninitialized {
		r.mu.Unlock()
		r.replyError(msg.ID, jsonrpc.CodeInvalidRequest, "server already initialized")
		return
	}
	r.state = StateInitializing
	agg := newInitAggregate(msg.ID, r.backends)
	r.initAgg = agg
	r.mu.Unlock()

	for _, h := range r.backends {
		h.SendRequest("initialize", buildBackendInitParams(msg.Params, h), msg.ID)
	}
}

func (r *Router) startShutdown(msg *jsonrpc.Message) {
	live := r.liveBackends()

	r.mu.Lock()
	r.state = StateShuttingDown
	if len(live) == 0 {
		r.state = StateShutdownAcked
		r.mu.Unlock()
		r.client.Send(jsonrpc.NewResultResponse(msg.ID, json.RawMessage("null")))
		return
	}
	r.shutdownAgg = newShutdownAggregate(msg.ID, live)
	r.mu.Unlock()

	for _, h := range live {
		h.SendRequest("shutdown", nil, msg.ID)
	}
}

func (r *Router) startCodeAction(msg *jsonrpc.Message) {
	var live []*backend.Handle
	for _, h := range r.table.codeActionSet() {
		if alive(h) {
			live = append(live, h)
		}
	}
	if len(live) == 0 {
		r.client.Send(jsonrpc.NewResultResponse(msg.ID, json.RawMessage("[]")))
		return
	}

	agg := newCodeActionAggregate(msg.ID, live)
	r.mu.Lock()
	r.codeActionAggs[jsonrpc.IDKey(msg.ID)] = agg
	r.mu.Unlock()

	for _, h := range live {
		h.SendRequest(capability.CodeAction, msg.Params, msg.ID)
	}
}

// ---- Backend -> Proxy --------------------------------------------------

// HandleBackend dispatches one message read from backend h's stream.
func (r *Router) HandleBackend(h *backend.Handle, msg *jsonrpc.Message) {
	switch {
	case msg.IsNotification():
		r.handleBackendNotification(h, msg)
	case msg.IsRequest():
		r.handleBackendRequest(h, msg)
	case msg.IsResponse():
		r.handleBackendResponseMsg(h, msg)
	default:
		log.Printf("[Router] dropping malformed message from backend %s", h.Name)
	}
}

func (r *Router) handleBackendNotification(h *backend.Handle, msg *jsonrpc.Message) {
	if msg.Method == "textDocument/publishDiagnostics" {
		if !h.Config.UseDiagnostics {
			return
		}
		r.diag.record(h, msg.Params)
	}
	r.client.Send(msg)
}

func (r *Router) handleBackendRequest(h *backend.Handle, msg *jsonrpc.Message) {
	id := jsonrpc.StringID(fmt.Sprintf("proxy-%d", r.serverReqNextID.Add(1)))
	r.serverReqMu.Lock()
	r.serverReq[jsonrpc.IDKey(id)] = serverOrigin{backend: h, id: msg.ID}
	r.serverReqMu.Unlock()
	r.client.Send(jsonrpc.NewRequest(id, msg.Method, msg.Params))
}

func (r *Router) handleBackendResponseMsg(h *backend.Handle, msg *jsonrpc.Message) {
	p, ok := h.OnResponse(msg.ID)
	if !ok {
		log.Printf("[Router] unknown response id %s from backend %s", jsonrpc.IDKey(msg.ID), h.Name)
		return
	}
	r.onBackendReply(h, p.ClientID, p.Method, msg.Result, msg.Error)
}

// onBackendReply is the single place a backend's answer to a request
// (whether a genuine response or a synthesized failure, see
// HandleBackendFailure) is folded into a Pending Aggregate or, failing
// that, relayed straight to the client with its id translated back.
func (r *Router) onBackendReply(h *backend.Handle, clientID json.RawMessage, method string, result json.RawMessage, errObj *jsonrpc.Error) {
	if method == "initialize" && errObj == nil {
		var caps capability.Set
		_ = json.Unmarshal(getJSONField(result, "capabilities"), &caps)
		h.SetCapabilities(caps)
	}

	r.mu.Lock()

	if agg := r.initAgg; agg != nil && method == "initialize" && sameID(agg.clientID, clientID) {
		agg.record(h, result, errObj)
		if agg.done() {
			r.initAgg = nil
			r.state = StateRunning
			r.mu.Unlock()
			r.finishInitialize(agg)
			return
		}
		r.mu.Unlock()
		return
	}

	if agg := r.shutdownAgg; agg != nil && method == "shutdown" && sameID(agg.clientID, clientID) {
		agg.record(h)
		if agg.done() {
			r.shutdownAgg = nil
			r.state = StateShutdownAcked
			r.mu.Unlock()
			r.client.Send(jsonrpc.NewResultResponse(agg.clientID, json.RawMessage("null")))
			return
		}
		r.mu.Unlock()
		return
	}

	if method == capability.CodeAction {
		key := jsonrpc.IDKey(clientID)
		if agg, ok := r.codeActionAggs[key]; ok {
			agg.record(h, result, errObj)
			if agg.done() {
				delete(r.codeActionAggs, key)
				r.mu.Unlock()
				r.client.Send(jsonrpc.NewResultResponse(agg.clientID, agg.merge()))
				return
			}
			r.mu.Unlock()
			return
		}
	}

	r.mu.Unlock()

	if errObj != nil {
		r.client.Send(&jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: clientID, Error: errObj})
	} else {
		r.client.Send(jsonrpc.NewResultResponse(clientID, result))
	}
}

func (r *Router) finishInitialize(agg *initAggregate) {
	if h, e := agg.firstError(); e != nil {
		log.Printf("[Router] backend %s failed initialize: %s", h.Name, e.Message)
		r.client.Send(&jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: agg.clientID, Error: e})
		r.terminate()
		return
	}

	result, err := synthesizeInitResult(agg, r.table, r.primary)
	if err != nil {
		log.Printf("[Router] failed to synthesize initialize result: %v", err)
		r.client.Send(jsonrpc.NewErrorResponse(agg.clientID, jsonrpc.CodeInternalError, err.Error()))
		r.terminate()
		return
	}
	r.client.Send(jsonrpc.NewResultResponse(agg.clientID, result))
}

// HandleBackendFailure marks h dead: a failure before initialize
// completes aborts the whole session; a mid-session failure answers
// every request outstanding to h with an internal error (folding into
// any pending aggregate it belongs to) and, if h is the primary,
// terminates the session afterward.
func (r *Router) HandleBackendFailure(h *backend.Handle, err error) {
	alreadyDead, _ := h.Dead()
	h.MarkDead(err)
	if alreadyDead {
		return
	}
	log.Printf("[Router] backend %s failed: %v", h.Name, err)

	r.mu.Lock()
	state := r.state
	isPrimary := h == r.primary
	initAgg := r.initAgg
	r.mu.Unlock()

	if state == StateUninitialized || state == StateInitializing {
		if initAgg != nil {
			r.mu.Lock()
			r.initAgg = nil
			r.mu.Unlock()
			r.client.Send(jsonrpc.NewErrorResponse(initAgg.clientID, jsonrpc.CodeInternalError,
				fmt.Sprintf("backend %s failed during initialize: %v", h.Name, err)))
		}
		r.terminate()
		return
	}

	for _, p := range h.DrainPending() {
		r.onBackendReply(h, p.ClientID, p.Method, nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: fmt.Sprintf("backend %s failed: %v", h.Name, err),
		})
	}

	if isPrimary {
		r.terminate()
	}
}
