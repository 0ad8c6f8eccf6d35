// Package backend implements the per-backend runtime state: a wrapper
// around a framed transport that owns one backend's outbound id space,
// its pending-request bookkeeping, and its cached capabilities.
package backend

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.lspmux.dev/lspmux/internal/capability"
	"go.lspmux.dev/lspmux/internal/config"
	"go.lspmux.dev/lspmux/internal/jsonrpc"
	"go.lspmux.dev/lspmux/internal/transport"
)

// outboundQueueSize bounds each backend's write queue: the router
// enqueues onto it without blocking on a slow backend, up to this many
// outstanding writes.
const outboundQueueSize = 256

// Pending records what a backend-minted id (proxy -> backend) stands for:
// the client id that triggered it and the method name, so a later
// response can be translated back and forwarded (or folded into a
// Pending Aggregate).
type Pending struct {
	ClientID json.RawMessage
	Method   string
}

// Handle is one backend's runtime state: its transport, capabilities,
// outbound id counter and pending map, and its FIFO outbound queue.
// Capabilities are set exactly once, from the initialize
// response, and are immutable thereafter.
type Handle struct {
	Name   string
	Config config.Backend
	stream *transport.Stream

	nextID atomic.Int64

	mu         sync.Mutex
	pending    map[string]Pending
	caps       capability.Set
	dead       bool
	primaryErr error

	initialized atomic.Bool
	sawExit     atomic.Bool

	out chan *jsonrpc.Message
}

// New creates a Handle bound to stream. name is used only in log lines.
func New(name string, cfg config.Backend, stream *transport.Stream) *Handle {
	return &Handle{
		Name:    name,
		Config:  cfg,
		stream:  stream,
		pending: make(map[string]Pending),
		out:     make(chan *jsonrpc.Message, outboundQueueSize),
	}
}

// Run drains the outbound queue in enqueue order, writing each message to
// the transport. It must run in its own goroutine for the lifetime of the
// backend; per-backend ordering falls directly out of the channel being a
// FIFO and having a single reader.
func (h *Handle) Run() {
	for msg := range h.out {
		if err := h.stream.WriteMessage(msg); err != nil {
			h.MarkDead(err)
			return
		}
	}
}

// Close stops accepting new outbound messages and closes the transport.
func (h *Handle) Close() error {
	close(h.out)
	return h.stream.Close()
}

// Outbound exposes the backend's outbound queue for reading. Run is the
// only production consumer; tests use it to observe what the router
// enqueued without a real transport on the other end.
func (h *Handle) Outbound() <-chan *jsonrpc.Message {
	return h.out
}

// ReadMessage reads the next message from the backend's transport. It is
// only ever called from the router's per-backend reader goroutine.
func (h *Handle) ReadMessage() (*jsonrpc.Message, error) {
	return h.stream.ReadMessage()
}

// nextBackendID allocates a fresh, backend-local, monotonically
// increasing id.
func (h *Handle) nextBackendID() json.RawMessage {
	return jsonrpc.IntID(h.nextID.Add(1))
}

// SendRequest allocates a fresh backend-local id, records (id -> clientID,
// method), and enqueues the request. clientID may be nil for a request
// the proxy originates itself rather than one triggered by a specific
// client request.
func (h *Handle) SendRequest(method string, params json.RawMessage, clientID json.RawMessage) json.RawMessage {
	id := h.nextBackendID()

	h.mu.Lock()
	h.pending[jsonrpc.IDKey(id)] = Pending{ClientID: clientID, Method: method}
	h.mu.Unlock()

	h.enqueue(jsonrpc.NewRequest(id, method, params))
	return id
}

// SendNotification enqueues a notification with no id.
func (h *Handle) SendNotification(method string, params json.RawMessage) {
	h.enqueue(jsonrpc.NewNotification(method, params))
}

// SendResponse enqueues a response to a backend-initiated request (used
// when routing a server-to-client request's reply back to its origin).
func (h *Handle) SendResponse(msg *jsonrpc.Message) {
	h.enqueue(msg)
}

func (h *Handle) enqueue(msg *jsonrpc.Message) {
	h.mu.Lock()
	dead := h.dead
	h.mu.Unlock()
	if dead {
		return
	}
	select {
	case h.out <- msg:
	default:
		// Queue full: this backend is badly backed up. Drop rather than
		// block the router indefinitely. A dropped request never reaches
		// the backend; its pending entry stays until DrainPending clears
		// it when the backend fails.
	}
}

// OnResponse pops the pending entry for a backend id, returning the
// (clientID, method) it stood for. ok is false for an unknown id, which
// the caller should log and drop.
func (h *Handle) OnResponse(id json.RawMessage) (Pending, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[jsonrpc.IDKey(id)]
	if ok {
		delete(h.pending, jsonrpc.IDKey(id))
	}
	return p, ok
}

// PendingByMethod returns the backend id of one currently-pending request
// whose recorded client id equals clientID and whose method equals
// method. ok is false if there is none.
func (h *Handle) PendingByMethod(clientID json.RawMessage, method string) (json.RawMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	target := jsonrpc.IDKey(clientID)
	for idStr, p := range h.pending {
		if p.Method == method && jsonrpc.IDKey(p.ClientID) == target {
			return json.RawMessage(idStr), true
		}
	}
	return nil, false
}

// PendingIDForClient returns the backend-local id of the outstanding
// request that was triggered by clientID, regardless of method. Used by
// $/cancelRequest forwarding, which only knows the client id being
// cancelled, not which method it was.
func (h *Handle) PendingIDForClient(clientID json.RawMessage) (json.RawMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	target := jsonrpc.IDKey(clientID)
	for idStr, p := range h.pending {
		if jsonrpc.IDKey(p.ClientID) == target {
			return json.RawMessage(idStr), true
		}
	}
	return nil, false
}

// SetCapabilities stores the capabilities object from this backend's
// initialize response. Called exactly once.
func (h *Handle) SetCapabilities(caps capability.Set) {
	h.mu.Lock()
	h.caps = caps
	h.mu.Unlock()
	h.initialized.Store(true)
}

// Capabilities returns the cached capabilities object (nil before
// initialize completes).
func (h *Handle) Capabilities() capability.Set {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps
}

// Supports consults the cached capabilities.
func (h *Handle) Supports(method, command string) bool {
	caps := h.Capabilities()
	if caps == nil {
		return false
	}
	return capability.Supports(caps, method, command)
}

// Initialized reports whether this backend's initialize response has been
// recorded.
func (h *Handle) Initialized() bool {
	return h.initialized.Load()
}

// MarkExitSent records that `exit` has been forwarded to this backend, so
// it is never sent twice.
func (h *Handle) MarkExitSent() bool {
	return h.sawExit.CompareAndSwap(false, true)
}

// MarkDead flags the backend as failed: a parse error or stream EOF
// mid-session. Idempotent.
func (h *Handle) MarkDead(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return
	}
	h.dead = true
	h.primaryErr = err
}

// Dead reports whether the backend has been marked failed, and the error
// that caused it (nil if not dead).
func (h *Handle) Dead() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead, h.primaryErr
}

// DrainPending removes and returns every pending entry, used when a
// backend dies mid-session so the router can answer each outstanding
// client request with an internal error.
func (h *Handle) DrainPending() []Pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Pending, 0, len(h.pending))
	for _, p := range h.pending {
		out = append(out, p)
	}
	h.pending = make(map[string]Pending)
	return out
}

func (h *Handle) String() string {
	if h.Config.IsTCP() {
		return fmt.Sprintf("%s (%s:%d)", h.Name, h.Config.Host, h.Config.Port)
	}
	return fmt.Sprintf("%s (%s)", h.Name, h.Config.Cmd)
}
