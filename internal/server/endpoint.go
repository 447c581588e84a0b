// Package server implements the ServerEndpoint from spec.md §4.5: the
// inbound, multiplexed listener a validator exposes so any peer can
// dial in. One upgraded WebSocket connection is accepted per peer and
// wrapped in a FramedLink; each accepted connection is assigned a
// routing prefix ("peer-<n>") used to stamp Envelope.Sender on
// receive and to address replies and targeted sends, unless the
// dialing peer already declares one via the X-Peer-Id header.
//
// Grounded on pkg/agent/transport/websocket's WSServer (upgrade
// handler, per-connection tracking) generalized from a single
// request/response handler into the envelope-queue handoff the
// gossip transport needs, plus a broadcast fan-out queue
// (spec.md §4.5, §4.7).
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenzoki/gossipnet/internal/envelope"
	"github.com/tenzoki/gossipnet/internal/link"
	"github.com/tenzoki/gossipnet/internal/neterr"
	"github.com/tenzoki/gossipnet/internal/queue"
	"github.com/tenzoki/gossipnet/internal/ready"
)

// InboundItem is one received Envelope together with the routing key
// of the connection it arrived on, queued for VerificationStage.
type InboundItem struct {
	RoutingKey string
	Envelope   *envelope.Envelope
}

// Endpoint accepts inbound peer connections and multiplexes their
// traffic onto a single inbound queue, while offering broadcast and
// targeted send paths back out.
type Endpoint struct {
	addr       string
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	addrReady  *ready.Gate

	mu     sync.Mutex
	conns  map[string]*link.FramedLink
	nextID uint64

	inbound        *queue.Queue[InboundItem]
	broadcastQueue *queue.Queue[*envelope.EnvelopeList]
	fanoutWG       sync.WaitGroup
}

// NewEndpoint returns an Endpoint that will listen on addr once Run is
// called. addr may use port 0 to let the OS choose a free port; call
// Addr after Run has started to learn which one it picked.
func NewEndpoint(addr string) *Endpoint {
	return &Endpoint{
		addr:  addr,
		conns: make(map[string]*link.FramedLink),
		upgrader: websocket.Upgrader{
			// Peers are validators dialing a known gossip address, not
			// browsers; origin checking does not apply here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		inbound:        queue.New[InboundItem](),
		broadcastQueue: queue.New[*envelope.EnvelopeList](),
		addrReady:      ready.NewGate(),
	}
}

// Inbound returns the queue VerificationStage consumes.
func (e *Endpoint) Inbound() *queue.Queue[InboundItem] {
	return e.inbound
}

// Addr blocks until Run has bound its listener, then returns its
// address (host:port, with the actual port substituted for a
// requested port 0).
func (e *Endpoint) Addr() string {
	e.addrReady.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener.Addr().String()
}

// ConnectionCount reports the number of currently connected peers.
func (e *Endpoint) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Run starts the HTTP listener and the broadcast fan-out loop, and
// blocks until ctx is cancelled or the listener fails. On return every
// accepted connection has been closed. Addr becomes valid as soon as
// the listener is bound, before Run returns.
func (e *Endpoint) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", e.addr, err)
	}
	e.mu.Lock()
	e.listener = listener
	e.mu.Unlock()
	e.addrReady.Open()

	mux := http.NewServeMux()
	mux.Handle("/gossip", e.upgradeHandler())
	e.httpServer = &http.Server{Handler: mux}

	e.fanoutWG.Add(1)
	go e.runBroadcastFanout(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := e.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("server: serve on %s: %w", e.addr, err)
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		e.shutdown()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := e.httpServer.Shutdown(shutdownCtx)
		e.shutdown()
		<-serveErr
		return err
	}
}

func (e *Endpoint) shutdown() {
	e.broadcastQueue.Close()
	e.inbound.Close()
	e.fanoutWG.Wait()

	e.mu.Lock()
	conns := make([]*link.FramedLink, 0, len(e.conns))
	for _, fl := range e.conns {
		conns = append(conns, fl)
	}
	e.conns = make(map[string]*link.FramedLink)
	e.mu.Unlock()

	for _, fl := range conns {
		fl.Close()
	}
}

func (e *Endpoint) upgradeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("gossip: upgrade failed: %v", err), http.StatusBadRequest)
			return
		}
		routingKey := r.Header.Get("X-Peer-Id")
		if routingKey == "" {
			routingKey = e.assignRoutingKey()
		}
		e.acceptConn(routingKey, conn)
	})
}

func (e *Endpoint) assignRoutingKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return fmt.Sprintf("peer-%d", e.nextID)
}

func (e *Endpoint) acceptConn(routingKey string, conn *websocket.Conn) {
	fl := link.AcceptFramedLink(conn, func(list *envelope.EnvelopeList) {
		for _, env := range list.Envelopes {
			env.Sender = []byte(routingKey)
			if err := e.inbound.Put(InboundItem{RoutingKey: routingKey, Envelope: env}); err != nil {
				return
			}
		}
	})

	e.mu.Lock()
	e.conns[routingKey] = fl
	e.mu.Unlock()

	go func() {
		<-fl.Done()
		e.mu.Lock()
		if e.conns[routingKey] == fl {
			delete(e.conns, routingKey)
		}
		e.mu.Unlock()
	}()
}

// Broadcast enqueues list for the fan-out goroutine, which delivers it
// to every peer connected at the moment it dequeues list. A peer that
// connects after that dequeue does not receive it; one that connects
// between the enqueue and the dequeue does.
func (e *Endpoint) Broadcast(list *envelope.EnvelopeList) error {
	if err := e.broadcastQueue.Put(list); err != nil {
		return fmt.Errorf("server: broadcast: %w", err)
	}
	return nil
}

func (e *Endpoint) runBroadcastFanout(ctx context.Context) {
	defer e.fanoutWG.Done()
	for {
		list, err := e.broadcastQueue.Get(ctx)
		if err != nil {
			return
		}
		e.mu.Lock()
		targets := make([]*link.FramedLink, 0, len(e.conns))
		for _, fl := range e.conns {
			targets = append(targets, fl)
		}
		e.mu.Unlock()
		for _, fl := range targets {
			_ = fl.Send(list)
		}
	}
}

// SendTo delivers list to the single peer registered under
// routingKey. Returns neterr.ErrNotConnected if no such peer is
// currently connected.
func (e *Endpoint) SendTo(routingKey string, list *envelope.EnvelopeList) error {
	e.mu.Lock()
	fl, ok := e.conns[routingKey]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("server: send to %s: %w", routingKey, neterr.ErrNotConnected)
	}
	return fl.Send(list)
}

// Reply implements handler.Responder by addressing reply back to
// whichever connection original arrived on.
func (e *Endpoint) Reply(ctx context.Context, original, reply *envelope.Envelope) error {
	routingKey := string(original.Sender)
	if routingKey == "" {
		return fmt.Errorf("server: reply to %s: %w", original.CorrelationID, neterr.ErrNotConnected)
	}
	return e.SendTo(routingKey, envelope.NewList(reply))
}
