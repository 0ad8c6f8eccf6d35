package proxy

import (
	"go.lspmux.dev/lspmux/internal/jsonrpc"
	"go.lspmux.dev/lspmux/internal/transport"
)

// clientOutboundQueueSize mirrors backend.Handle's outbound queue bound,
// applied here to the client-facing side.
const clientOutboundQueueSize = 256

// clientQueue implements router.ClientSink over a framed transport.Stream,
// giving the client its own single-writer FIFO exactly like each backend
// gets via backend.Handle.Run — the same shape, applied to the opposite
// side of the proxy.
type clientQueue struct {
	stream *transport.Stream
	out    chan *jsonrpc.Message
}

func newClientQueue(stream *transport.Stream) *clientQueue {
	return &clientQueue{stream: stream, out: make(chan *jsonrpc.Message, clientOutboundQueueSize)}
}

// Send enqueues msg for delivery to the client. It blocks if the queue is
// full, which is the intended backpressure signal: a wedged editor stalls
// the Router goroutine that tried to send to it, not the whole proxy.
func (c *clientQueue) Send(msg *jsonrpc.Message) {
	c.out <- msg
}

// Run drains the queue in FIFO order until closed.
func (c *clientQueue) Run() {
	for msg := range c.out {
		if err := c.stream.WriteMessage(msg); err != nil {
			return
		}
	}
}

// Close stops accepting further sends.
func (c *clientQueue) Close() {
	close(c.out)
}
