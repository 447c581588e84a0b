// Package neterr defines the sentinel error values shared across the
// gossip transport: the future registry, the queues, the framed
// links, the peer connections, and the server and service send paths
// report failure through these values so callers can distinguish them
// with errors.Is instead of parsing strings. The handler table and the
// verification stage do not return any of them.
package neterr

import "errors"

var (
	// ErrDuplicateCorrelation is returned by FutureRegistry.Insert when
	// a correlation id is already registered. Programmer error: fatal
	// to the current send, not to the service.
	ErrDuplicateCorrelation = errors.New("gossipnet: duplicate correlation id")

	// ErrUnknownCorrelation is returned by FutureRegistry.Complete when
	// no Future is registered under the given id. Not an error
	// condition by itself — it is the signal that an envelope is an
	// initial message rather than a reply.
	ErrUnknownCorrelation = errors.New("gossipnet: unknown correlation id")

	// ErrTimeout is returned by FutureRegistry.Await when the deadline
	// elapses before the Future resolves.
	ErrTimeout = errors.New("gossipnet: future timed out")

	// ErrAbandoned is returned to a waiter whose Future was removed by
	// FutureRegistry.Abandon before it resolved.
	ErrAbandoned = errors.New("gossipnet: future abandoned")

	// ErrCancelled is returned to every outstanding Future when the
	// owning NetworkService stops.
	ErrCancelled = errors.New("gossipnet: future cancelled by shutdown")

	// ErrPeerUnreachable is returned to every Future whose send went
	// through a link that broke before a reply arrived.
	ErrPeerUnreachable = errors.New("gossipnet: peer unreachable")

	// ErrLinkBroken marks a transport failure on a FramedLink.
	ErrLinkBroken = errors.New("gossipnet: link broken")

	// ErrMalformedEnvelope marks a decode failure; the envelope is
	// dropped but the link is preserved.
	ErrMalformedEnvelope = errors.New("gossipnet: malformed envelope")

	// ErrVerificationRejected marks an inbound item VerificationStage
	// dropped; it never propagates past the stage boundary.
	ErrVerificationRejected = errors.New("gossipnet: verification rejected")

	// ErrQueueClosed is returned by queue.Queue.Get once the queue has
	// been closed and drained.
	ErrQueueClosed = errors.New("gossipnet: queue closed")

	// ErrNotConnected is returned when an operation requires a live
	// link that has not been established (or was already closed).
	ErrNotConnected = errors.New("gossipnet: not connected")
)
