// Package network assembles the gossip transport core's composition
// root, NetworkService (spec.md §4.8): it wires ServerEndpoint,
// VerificationStage, HandlerTable, PeerRegistry, FutureRegistry, and
// one PeerConnection per configured peer into a single running
// service, registers the built-in gossip/* handlers, and supervises
// every worker goroutine's shutdown together.
//
// Grounded on cmd/orchestrator's Start/Stop composition-root style and
// on golang.org/x/sync/errgroup for joint cancellation and first-error
// propagation across heterogeneous workers (server listener,
// verification pipeline, dispatch loop, external Dispatcher).
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tenzoki/gossipnet/internal/config"
	"github.com/tenzoki/gossipnet/internal/dispatcher"
	"github.com/tenzoki/gossipnet/internal/envelope"
	"github.com/tenzoki/gossipnet/internal/future"
	"github.com/tenzoki/gossipnet/internal/handler"
	"github.com/tenzoki/gossipnet/internal/neterr"
	"github.com/tenzoki/gossipnet/internal/peerconn"
	"github.com/tenzoki/gossipnet/internal/peerreg"
	"github.com/tenzoki/gossipnet/internal/queue"
	"github.com/tenzoki/gossipnet/internal/ready"
	"github.com/tenzoki/gossipnet/internal/server"
	"github.com/tenzoki/gossipnet/internal/verify"
)

// Service is the running gossip transport for one validator.
type Service struct {
	cfg    *config.NetworkConfig
	logger *log.Logger

	endpoint      *server.Endpoint
	handlers      *handler.Table
	peers         *peerreg.Registry
	futures       *future.Registry
	verifyStage   *verify.Stage
	verifiedQueue *queue.Queue[server.InboundItem]
	dispatcher    dispatcher.Dispatcher
	incomingQueue *queue.Queue[dispatcher.IncomingMessage]
	ready         *ready.Gate

	connMu sync.Mutex
	conns  map[string]*peerconn.Connection

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewService builds a Service from cfg. disp may be nil, in which case
// a dispatcher.LoggingDispatcher is used. logger may be nil, in which
// case log.Default() is used.
func NewService(cfg *config.NetworkConfig, disp dispatcher.Dispatcher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if disp == nil {
		disp = dispatcher.NewLoggingDispatcher(logger)
	}

	endpoint := server.NewEndpoint(cfg.ListenAddress)
	incoming := queue.New[dispatcher.IncomingMessage]()
	gate := ready.NewGate()
	disp.SetIncomingMsgQueue(incoming)
	disp.SetReadySignal(gate)

	s := &Service{
		cfg:           cfg,
		logger:        logger,
		endpoint:      endpoint,
		peers:         peerreg.NewRegistry(),
		futures:       future.NewRegistry(),
		verifiedQueue: queue.New[server.InboundItem](),
		dispatcher:    disp,
		incomingQueue: incoming,
		ready:         gate,
		conns:         make(map[string]*peerconn.Connection),
	}
	s.verifyStage = verify.NewStage(endpoint.Inbound(), s.verifiedQueue, verify.AllowAllVerifier{}, logger)
	s.handlers = handler.NewTable(handler.HandlerFunc(s.handleUnrecognized))
	s.registerBuiltinHandlers()
	return s
}

// RegisterHandler binds a Handler for messageType, overriding any
// built-in handler registered for that type.
func (s *Service) RegisterHandler(messageType string, h handler.Handler) {
	s.handlers.Register(messageType, h)
}

// Peers returns the registry of currently registered inbound peers.
func (s *Service) Peers() *peerreg.Registry {
	return s.peers
}

// ListenAddr blocks until the listener is bound and returns its
// address, with any requested port 0 substituted for the actual port
// the OS assigned.
func (s *Service) ListenAddr() string {
	return s.endpoint.Addr()
}

// Ready returns the gate opened once the external Dispatcher has
// finished its own startup.
func (s *Service) Ready() *ready.Gate {
	return s.ready
}

// Start launches the listener, the verification pipeline, the
// dispatch loop, and the external Dispatcher, then dials every
// configured peer in turn. Start returns once every peer has
// registered successfully, or at the first peer that fails to dial or
// register: the peers after it are not dialed, the already-started
// workers are stopped, and the error is returned.
// Start does not block waiting for the workers to exit — call Wait
// for that.
func (s *Service) Start(ctx context.Context) error {
	groupCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(groupCtx)
	s.group = g

	g.Go(func() error { return s.endpoint.Run(gctx) })
	g.Go(func() error { return s.verifyStage.Run(gctx) })
	g.Go(func() error {
		s.dispatcher.Start()
		<-gctx.Done()
		s.dispatcher.Stop()
		return nil
	})
	g.Go(func() error { return s.dispatchLoop(gctx) })

	for _, url := range s.cfg.PeerURLs {
		if err := s.dialPeer(gctx, url); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}
	return nil
}

// Wait blocks until every worker started by Start has exited, and
// returns the first error any of them reported.
func (s *Service) Wait() error {
	return s.group.Wait()
}

// Stop cancels every worker, waits for them to exit, fails every
// still-pending Future with neterr.ErrCancelled, and closes every
// dialed peer connection.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.group != nil {
		err = s.group.Wait()
	}
	s.futures.FailAll(neterr.ErrCancelled)

	s.connMu.Lock()
	conns := s.conns
	s.conns = make(map[string]*peerconn.Connection)
	s.connMu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	return err
}

func (s *Service) dialPeer(ctx context.Context, url string) error {
	conn, err := peerconn.Dial(ctx, url, peerconn.LocalIdentity(), s.futures, s.cfg.RegisterTimeout(), func(env *envelope.Envelope) {
		env.Sender = []byte(url)
		if err := s.endpoint.Inbound().Put(server.InboundItem{RoutingKey: url, Envelope: env}); err != nil {
			s.logger.Printf("network: dropping unmatched message from %s: %v", url, err)
		}
	})
	if err != nil {
		return fmt.Errorf("network: dial %s: %w", url, err)
	}
	s.connMu.Lock()
	s.conns[url] = conn
	s.connMu.Unlock()
	return nil
}

func (s *Service) dispatchLoop(ctx context.Context) error {
	responder := &serviceResponder{svc: s}
	for {
		item, err := s.verifiedQueue.Get(ctx)
		if err != nil {
			return nil
		}
		result := future.FutureResult{MessageType: item.Envelope.MessageType, Content: item.Envelope.Content}
		if err := s.futures.Complete(item.Envelope.CorrelationID, result); err == nil {
			continue
		}
		if err := s.handlers.Dispatch(ctx, item.Envelope, responder); err != nil {
			s.logger.Printf("network: dispatch %s from %s: %v", item.Envelope.MessageType, item.RoutingKey, err)
		}
	}
}

// BroadcastMessage sends content as messageType to every currently
// dialed peer and returns one Future per peer, in no particular
// order, so the caller can await each reply independently
// (spec.md §9: broadcast_message returns one Future per peer, not a
// single aggregate Future).
func (s *Service) BroadcastMessage(messageType string, content []byte) []*future.Future {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	futures := make([]*future.Future, 0, len(s.conns))
	for url, conn := range s.conns {
		f, err := conn.Send(messageType, content)
		if err != nil {
			s.logger.Printf("network: broadcast to %s: %v", url, err)
			continue
		}
		futures = append(futures, f)
	}
	return futures
}

// SendTo sends content as messageType to the single dialed peer
// registered under peerURL.
func (s *Service) SendTo(peerURL, messageType string, content []byte) (*future.Future, error) {
	s.connMu.Lock()
	conn, ok := s.conns[peerURL]
	s.connMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("network: send to %s: %w", peerURL, neterr.ErrNotConnected)
	}
	return conn.Send(messageType, content)
}

// Await blocks for f's resolution, bounded by ctx and by
// cfg.SendTimeout() (config.NetworkConfig.SendTimeoutSeconds).
func (s *Service) Await(ctx context.Context, f *future.Future) (future.FutureResult, error) {
	return s.futures.Await(ctx, f, time.Now().Add(s.cfg.SendTimeout()))
}

func (s *Service) registerBuiltinHandlers() {
	s.handlers.Register(envelope.TypeRegister, handler.HandlerFunc(s.handleRegister))
	s.handlers.Register(envelope.TypeUnregister, handler.HandlerFunc(s.handleUnregister))
	s.handlers.Register(envelope.TypeMessage, handler.HandlerFunc(s.handleGossipMessage))
	s.handlers.Register(envelope.TypePing, handler.HandlerFunc(s.handlePing))
}

func (s *Service) handleUnrecognized(ctx context.Context, env *envelope.Envelope, r handler.Responder) error {
	s.logger.Printf("network: dropping unrecognized message type %q from %s", env.MessageType, env.Sender)
	return nil
}

func (s *Service) handleRegister(ctx context.Context, env *envelope.Envelope, r handler.Responder) error {
	var req envelope.PeerRegisterRequest
	if err := json.Unmarshal(env.Content, &req); err != nil {
		return s.ackError(ctx, env, r, fmt.Sprintf("malformed register request: %v", err))
	}
	if evicted := s.peers.Register(string(env.Sender), req.Identity); evicted != nil {
		s.logger.Printf("network: identity %q re-registered, evicting stale routing key %s", req.Identity, evicted.RoutingKey)
	}
	return s.ackOK(ctx, env, r)
}

func (s *Service) handleUnregister(ctx context.Context, env *envelope.Envelope, r handler.Responder) error {
	var req envelope.PeerUnregisterRequest
	_ = json.Unmarshal(env.Content, &req)
	if _, ok := s.peers.Unregister(string(env.Sender)); ok {
		s.logger.Printf("network: unregistered routing key %s (identity %q)", env.Sender, req.Identity)
	}
	return s.ackOK(ctx, env, r)
}

func (s *Service) handleGossipMessage(ctx context.Context, env *envelope.Envelope, r handler.Responder) error {
	var msg envelope.GossipMessage
	if err := json.Unmarshal(env.Content, &msg); err != nil {
		return s.ackError(ctx, env, r, fmt.Sprintf("malformed gossip message: %v", err))
	}
	if err := s.incomingQueue.Put(dispatcher.IncomingMessage{
		RoutingKey:  string(env.Sender),
		ContentType: msg.ContentType,
		Content:     msg.Content,
	}); err != nil {
		return s.ackError(ctx, env, r, "incoming queue closed")
	}
	return s.ackOK(ctx, env, r)
}

func (s *Service) handlePing(ctx context.Context, env *envelope.Envelope, r handler.Responder) error {
	return s.ackOK(ctx, env, r)
}

func (s *Service) ackOK(ctx context.Context, original *envelope.Envelope, r handler.Responder) error {
	payload, err := json.Marshal(envelope.NetworkAcknowledgement{Status: envelope.AckOK})
	if err != nil {
		return fmt.Errorf("network: encode ack: %w", err)
	}
	return r.Reply(ctx, original, envelope.NewReply(original, envelope.TypeAck, payload))
}

func (s *Service) ackError(ctx context.Context, original *envelope.Envelope, r handler.Responder, detail string) error {
	payload, err := json.Marshal(envelope.NetworkAcknowledgement{Status: envelope.AckError, Detail: detail})
	if err != nil {
		return fmt.Errorf("network: encode ack: %w", err)
	}
	return r.Reply(ctx, original, envelope.NewReply(original, envelope.TypeAck, payload))
}

// serviceResponder routes a reply back to whichever side the original
// Envelope came from: an inbound peer accepted by ServerEndpoint, or
// one of this validator's own dialed PeerConnections.
type serviceResponder struct {
	svc *Service
}

func (r *serviceResponder) Reply(ctx context.Context, original, reply *envelope.Envelope) error {
	err := r.svc.endpoint.Reply(ctx, original, reply)
	if err == nil || !errors.Is(err, neterr.ErrNotConnected) {
		return err
	}

	routingKey := string(original.Sender)
	r.svc.connMu.Lock()
	conn, ok := r.svc.conns[routingKey]
	r.svc.connMu.Unlock()
	if !ok {
		return fmt.Errorf("network: reply to %s: %w", original.CorrelationID, neterr.ErrNotConnected)
	}
	return conn.SendEnvelope(reply)
}
