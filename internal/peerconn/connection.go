// Package peerconn implements PeerConnection from spec.md §4.4: an
// outbound FramedLink to a single configured peer, wrapped with the
// register/unregister handshake every dial performs on connect and
// teardown, and a Send path that returns a Future per request rather
// than blocking the caller until the reply arrives.
//
// Grounded on internal/client's BrokerClient (dial, handshake-on-
// connect, request/response via the shared FutureRegistry) adapted
// from a single broker connection into one of several peer
// connections a validator maintains concurrently.
package peerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tenzoki/gossipnet/internal/envelope"
	"github.com/tenzoki/gossipnet/internal/future"
	"github.com/tenzoki/gossipnet/internal/link"
	"github.com/tenzoki/gossipnet/internal/neterr"
)

// defaultRegisterTimeout is used when the caller's configured
// RegisterTimeout is zero (e.g. a Connection built directly in a
// test, bypassing config.NetworkConfig).
const defaultRegisterTimeout = 10 * time.Second

// UnmatchedFunc receives an inbound Envelope whose correlation id did
// not match any pending Future — i.e. it is an initial message from
// the peer rather than a reply, and belongs on the inbound pipeline
// like anything ServerEndpoint accepts.
type UnmatchedFunc func(*envelope.Envelope)

// LocalIdentity returns the "<hostname>-<pid>" identity a
// PeerConnection declares in its gossip/register request
// (spec.md §4.4, §9).
func LocalIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Connection is one outbound link to a configured peer.
type Connection struct {
	url             string
	identity        string
	link            *link.FramedLink
	futures         *future.Registry
	onUnmatched     UnmatchedFunc
	registerTimeout time.Duration
}

// Dial opens a FramedLink to url, performs the gossip/register
// handshake with the given identity, and returns once the peer has
// acknowledged registration. futures is shared with every other
// Connection this validator maintains, matching correlation ids
// against whichever Connection's request produced them.
// registerTimeout bounds how long the handshake waits for the peer's
// ack (config.NetworkConfig.RegisterTimeout); a zero value falls back
// to defaultRegisterTimeout.
func Dial(ctx context.Context, url string, identity string, futures *future.Registry, registerTimeout time.Duration, onUnmatched UnmatchedFunc) (*Connection, error) {
	if registerTimeout <= 0 {
		registerTimeout = defaultRegisterTimeout
	}
	c := &Connection{
		url:             url,
		identity:        identity,
		futures:         futures,
		onUnmatched:     onUnmatched,
		registerTimeout: registerTimeout,
	}

	fl, err := link.DialFramedLink(ctx, url, c.handleReceive)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", url, err)
	}
	c.link = fl

	if err := c.register(ctx); err != nil {
		fl.Close()
		return nil, err
	}

	// Fail every Future still in flight on this link the moment it
	// tears down, whether from an explicit Close or a genuine
	// transport error — a dead peer must never leave a caller awaiting
	// a reply that can no longer arrive (spec.md §7).
	go func() {
		<-fl.Done()
		futures.FailLink(url, neterr.ErrPeerUnreachable)
	}()

	return c, nil
}

func (c *Connection) register(ctx context.Context) error {
	payload, err := json.Marshal(envelope.PeerRegisterRequest{Identity: c.identity})
	if err != nil {
		return fmt.Errorf("peerconn: encode register request: %w", err)
	}
	env, err := envelope.New(envelope.TypeRegister, payload)
	if err != nil {
		return fmt.Errorf("peerconn: register: %w", err)
	}

	f := future.NewLinkFuture(env.CorrelationID, c.url)
	if err := c.futures.Insert(f); err != nil {
		return fmt.Errorf("peerconn: register: %w", err)
	}
	if err := c.link.Send(envelope.NewList(env)); err != nil {
		c.futures.Abandon(env.CorrelationID)
		return fmt.Errorf("peerconn: register: %w", err)
	}

	result, err := c.futures.Await(ctx, f, time.Now().Add(c.registerTimeout))
	if err != nil {
		return fmt.Errorf("peerconn: register: %w", err)
	}

	var ack envelope.NetworkAcknowledgement
	if err := json.Unmarshal(result.Content, &ack); err == nil && ack.Status != envelope.AckOK {
		return fmt.Errorf("peerconn: register rejected by peer: %s", ack.Detail)
	}
	return nil
}

func (c *Connection) handleReceive(list *envelope.EnvelopeList) {
	for _, env := range list.Envelopes {
		result := future.FutureResult{MessageType: env.MessageType, Content: env.Content}
		if err := c.futures.Complete(env.CorrelationID, result); err != nil {
			if c.onUnmatched != nil {
				c.onUnmatched(env)
			}
		}
	}
}

// Send builds an Envelope of messageType with content, sends it, and
// returns a Future the caller awaits for the reply. The Future is
// already registered by the time Send returns, so a reply racing the
// send can never be missed.
func (c *Connection) Send(messageType string, content []byte) (*future.Future, error) {
	env, err := envelope.New(messageType, content)
	if err != nil {
		return nil, fmt.Errorf("peerconn: send: %w", err)
	}
	f := future.NewLinkFuture(env.CorrelationID, c.url)
	if err := c.futures.Insert(f); err != nil {
		return nil, fmt.Errorf("peerconn: send: %w", err)
	}
	if err := c.link.Send(envelope.NewList(env)); err != nil {
		c.futures.Abandon(env.CorrelationID)
		return nil, fmt.Errorf("peerconn: send: %w", err)
	}
	return f, nil
}

// Await blocks for f's resolution, honoring ctx and deadline (a zero
// deadline means no deadline).
func (c *Connection) Await(ctx context.Context, f *future.Future, deadline time.Time) (future.FutureResult, error) {
	return c.futures.Await(ctx, f, deadline)
}

// SendEnvelope sends env as-is, without allocating a Future for it.
// Used to address a reply that must echo an existing correlation id
// rather than mint a new one.
func (c *Connection) SendEnvelope(env *envelope.Envelope) error {
	if err := c.link.Send(envelope.NewList(env)); err != nil {
		return fmt.Errorf("peerconn: send envelope: %w", err)
	}
	return nil
}

// Close sends a best-effort gossip/unregister notice and tears down
// the underlying link. The unregister send is fire-and-forget: a
// peer that is already gone will simply never see it.
func (c *Connection) Close() error {
	payload, err := json.Marshal(envelope.PeerUnregisterRequest{Identity: c.identity})
	if err == nil {
		if env, err := envelope.New(envelope.TypeUnregister, payload); err == nil {
			_ = c.link.Send(envelope.NewList(env))
		}
	}
	return c.link.Close()
}
