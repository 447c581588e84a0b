// Package verify implements the VerificationStage from spec.md §4.7:
// the pipeline stage sitting between ServerEndpoint's inbound queue
// and the dispatch loop that resolves Futures or calls into the
// HandlerTable. Every inbound item passes through exactly one
// Verifier; malformed envelopes and rejected items are logged and
// dropped rather than propagated, so one bad peer cannot wedge the
// whole pipeline (spec.md §7).
//
// Grounded on the single-purpose pipeline stages in internal/broker's
// service loop (one goroutine, one input queue, one output queue,
// logged-and-dropped error handling) generalized around a pluggable
// Verifier instead of a fixed validation routine.
package verify

import (
	"context"
	"log"

	"github.com/tenzoki/gossipnet/internal/queue"
	"github.com/tenzoki/gossipnet/internal/server"
)

// Verifier decides whether an inbound item may proceed to dispatch.
// Signature verification against a peer's declared identity is out of
// scope for the transport core (spec.md §6); AllowAllVerifier is the
// default stand-in until a real implementation is wired in.
type Verifier interface {
	Verify(ctx context.Context, item server.InboundItem) (bool, error)
}

// AllowAllVerifier accepts every syntactically valid item.
type AllowAllVerifier struct{}

// Verify always reports acceptance.
func (AllowAllVerifier) Verify(ctx context.Context, item server.InboundItem) (bool, error) {
	return true, nil
}

// Stage drains in, verifies each item, and forwards accepted items to
// out. Run closes out when it returns, whether because in is drained
// and closed or because ctx is done; it never closes in.
type Stage struct {
	in       *queue.Queue[server.InboundItem]
	out      *queue.Queue[server.InboundItem]
	verifier Verifier
	logger   *log.Logger
}

// NewStage builds a Stage reading from in and writing accepted items
// to out.
func NewStage(in, out *queue.Queue[server.InboundItem], verifier Verifier, logger *log.Logger) *Stage {
	return &Stage{in: in, out: out, verifier: verifier, logger: logger}
}

// Out returns the queue of verified items, for the dispatch loop to
// consume.
func (s *Stage) Out() *queue.Queue[server.InboundItem] {
	return s.out
}

// Run blocks, verifying items until ctx is done or in is closed and
// drained. It always closes out before returning, whatever the reason.
func (s *Stage) Run(ctx context.Context) error {
	defer s.out.Close()

	for {
		item, err := s.in.Get(ctx)
		if err != nil {
			return nil
		}

		if verr := item.Envelope.Validate(); verr != nil {
			s.logger.Printf("verify: dropping malformed envelope from %s: %v", item.RoutingKey, verr)
			continue
		}

		ok, err := s.verifier.Verify(ctx, item)
		if err != nil {
			s.logger.Printf("verify: %s: verifier error, dropping: %v", item.Envelope.CorrelationID, err)
			continue
		}
		if !ok {
			s.logger.Printf("verify: %s: rejected by verifier, dropping", item.Envelope.CorrelationID)
			continue
		}

		if err := s.out.Put(item); err != nil {
			return nil
		}
	}
}
