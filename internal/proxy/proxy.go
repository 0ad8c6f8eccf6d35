// Package proxy wires together the proxy's moving parts: it dials or
// spawns every configured backend, builds the client-facing transport,
// and runs the Router's event loop until the session reaches EXITED.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.lspmux.dev/lspmux/internal/backend"
	"go.lspmux.dev/lspmux/internal/config"
	"go.lspmux.dev/lspmux/internal/router"
	"go.lspmux.dev/lspmux/internal/transport"
)

// dialTimeout bounds how long a TCP backend is given to accept a
// connection during startup.
const dialTimeout = 10 * time.Second

// Proxy owns every backend connection, the client transport, and the
// Router that mediates between them.
type Proxy struct {
	backends []*backend.Handle
	procs    []*transport.Process

	clientStream *transport.Stream
	clientQ      *clientQueue

	router *router.Router
}

// New dials/spawns every configured backend in order and wires a Router
// over them. This happens entirely before the client stream is ever
// read: a dial or spawn failure here aborts before any editor
// communication begins, and any backend already started is killed so
// the process does not leak children.
func New(backends []config.Backend) (*Proxy, error) {
	handles := make([]*backend.Handle, len(backends))
	var procs []*transport.Process

	for i, cfg := range backends {
		name := fmt.Sprintf("backend-%d", i)

		var stream *transport.Stream
		if cfg.IsTCP() {
			s, err := transport.DialTCP(cfg.Host, cfg.Port, dialTimeout)
			if err != nil {
				killAll(procs)
				return nil, fmt.Errorf("backend %d (%s:%d): %w", i, cfg.Host, cfg.Port, err)
			}
			stream = s
		} else {
			p, err := transport.SpawnStdio(cfg.Cmd, cfg.Args)
			if err != nil {
				killAll(procs)
				return nil, fmt.Errorf("backend %d (%s): %w", i, cfg.Cmd, err)
			}
			procs = append(procs, p)
			stream = p.Stream
		}

		handles[i] = backend.New(name, cfg, stream)
	}

	clientStream := transport.NewStdioClientStream()
	cq := newClientQueue(clientStream)

	return &Proxy{
		backends:     handles,
		procs:        procs,
		clientStream: clientStream,
		clientQ:      cq,
		router:       router.New(cq, handles),
	}, nil
}

func killAll(procs []*transport.Process) {
	for _, p := range procs {
		_ = p.Kill()
	}
}

// Start runs the proxy until the session terminates: it launches each
// backend's writer and reader goroutines, the client's writer goroutine
// and reader loop, and blocks until the Router reaches EXITED — whether
// because the client sent exit, the client stream closed, a backend died
// fatally, or ctx was canceled by a signal.
func (p *Proxy) Start(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, h := range p.backends {
		h := h
		wg.Add(2)
		go func() { defer wg.Done(); h.Run() }()
		go func() { defer wg.Done(); p.readBackend(h) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); p.clientQ.Run() }()

	go p.readClient()

	select {
	case <-ctx.Done():
		log.Printf("[Proxy] signal received, terminating session")
		p.router.HandleClientClosed()
	case <-p.router.Done():
	}
	<-p.router.Done()

	for _, h := range p.backends {
		_ = h.Close()
	}
	for _, proc := range p.procs {
		_ = proc.Kill()
	}
	p.clientQ.Close()

	wg.Wait()
	return nil
}

func (p *Proxy) readBackend(h *backend.Handle) {
	for {
		msg, err := h.ReadMessage()
		if err != nil {
			if err != io.EOF {
				log.Printf("[Proxy] backend %s read error: %v", h.Name, err)
			}
			p.router.HandleBackendFailure(h, err)
			return
		}
		p.router.HandleBackend(h, msg)
	}
}

func (p *Proxy) readClient() {
	for {
		msg, err := p.clientStream.ReadMessage()
		if err != nil {
			if err != io.EOF {
				log.Printf("[Proxy] client read error: %v", err)
			}
			p.router.HandleClientClosed()
			return
		}
		p.router.HandleClient(msg)
	}
}
