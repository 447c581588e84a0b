// Package future implements the FutureRegistry described in spec.md
// §4.1: the correlation-id keyed rendezvous between a goroutine that
// sent an Envelope and the receive loop that eventually sees its
// reply arrive, possibly out of order with other in-flight requests.
//
// Grounded on internal/client's BrokerClient.call()/responseChans
// pattern (one map of per-request channels, drained by a single
// receive loop) generalized into the named Future/FutureRegistry
// types the spec calls for.
package future

import (
	"context"
	"sync"
	"time"

	"github.com/tenzoki/gossipnet/internal/neterr"
)

// FutureResult is delivered into a Future exactly once, on resolution.
type FutureResult struct {
	MessageType string
	Content     []byte
}

// Future is a one-shot pending-reply record. The zero value is not
// usable; construct one with NewFuture or NewLinkFuture.
type Future struct {
	CorrelationID string
	CreatedAt     time.Time

	// linkTag identifies which PeerConnection this Future's send went
	// out over, if any, so FailLink can resolve just that link's
	// in-flight Futures without disturbing unrelated ones. Empty for
	// Futures not associated with a single outbound link.
	linkTag string

	done chan struct{}

	mu       sync.Mutex
	resolved bool
	result   FutureResult
	err      error
}

// NewFuture creates a Future for the given correlation id. The
// caller registers it with a Registry via Insert before sending the
// corresponding request, so a reply racing the insert can never be
// missed.
func NewFuture(correlationID string) *Future {
	return &Future{
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
		done:          make(chan struct{}),
	}
}

// NewLinkFuture is NewFuture, additionally tagging the Future with the
// link it was sent over so a later FailLink(linkTag, ...) can resolve
// it if that link dies before a reply arrives.
func NewLinkFuture(correlationID, linkTag string) *Future {
	f := NewFuture(correlationID)
	f.linkTag = linkTag
	return f
}

// resolve sets the terminal state exactly once; later calls are
// no-ops. Returns whether this call was the one that resolved it.
func (f *Future) resolve(result FutureResult, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.result = result
	f.err = err
	f.mu.Unlock()
	close(f.done)
	return true
}

// Registry correlates asynchronous replies with the Futures awaiting
// them. All operations are safe under contention from multiple
// producer (sender) goroutines and a single consumer (receive loop);
// Await never holds the registry's lock while blocked (spec.md §4.1).
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Future
	byLink  map[string]map[string]*Future
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*Future),
		byLink:  make(map[string]map[string]*Future),
	}
}

// Insert registers f under its correlation id. Returns
// neterr.ErrDuplicateCorrelation if that id is already pending —
// programmer error, fatal to the current send but not the registry.
func (r *Registry) Insert(f *Future) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[f.CorrelationID]; exists {
		return neterr.ErrDuplicateCorrelation
	}
	r.pending[f.CorrelationID] = f
	if f.linkTag != "" {
		link := r.byLink[f.linkTag]
		if link == nil {
			link = make(map[string]*Future)
			r.byLink[f.linkTag] = link
		}
		link[f.CorrelationID] = f
	}
	return nil
}

// untrack removes f from byLink. Caller must hold r.mu.
func (r *Registry) untrack(f *Future) {
	if f.linkTag == "" {
		return
	}
	link := r.byLink[f.linkTag]
	if link == nil {
		return
	}
	delete(link, f.CorrelationID)
	if len(link) == 0 {
		delete(r.byLink, f.linkTag)
	}
}

// Complete resolves the Future registered under correlationID with
// result and removes it from the registry. Returns
// neterr.ErrUnknownCorrelation if no Future is pending under that id
// — not an error condition, but the caller's signal that the envelope
// is an initial message rather than a reply (spec.md §4.5 step 3).
func (r *Registry) Complete(correlationID string, result FutureResult) error {
	r.mu.Lock()
	f, exists := r.pending[correlationID]
	if exists {
		delete(r.pending, correlationID)
		r.untrack(f)
	}
	r.mu.Unlock()

	if !exists {
		return neterr.ErrUnknownCorrelation
	}
	f.resolve(result, nil)
	return nil
}

// Abandon removes the Future registered under correlationID without
// completing it; its waiter (if any) receives neterr.ErrAbandoned.
// A missing id is a silent no-op.
func (r *Registry) Abandon(correlationID string) {
	r.mu.Lock()
	f, exists := r.pending[correlationID]
	if exists {
		delete(r.pending, correlationID)
		r.untrack(f)
	}
	r.mu.Unlock()

	if exists {
		f.resolve(FutureResult{}, neterr.ErrAbandoned)
	}
}

// FailAll resolves every currently pending Future with err and
// removes them all. Used by NetworkService.Stop (neterr.ErrCancelled)
// on full shutdown.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	futures := make([]*Future, 0, len(r.pending))
	for id, f := range r.pending {
		futures = append(futures, f)
		delete(r.pending, id)
	}
	r.byLink = make(map[string]map[string]*Future)
	r.mu.Unlock()

	for _, f := range futures {
		f.resolve(FutureResult{}, err)
	}
}

// FailLink resolves every pending Future tagged with linkTag (see
// NewLinkFuture) with err and removes them, without disturbing
// Futures belonging to any other link. Used when a single
// PeerConnection's link tears down — spec.md §7's "LinkBroken fails
// every Future whose send went through that link with
// PeerUnreachable" — so a dead peer cannot leave its caller awaiting
// a reply that will never arrive.
func (r *Registry) FailLink(linkTag string, err error) {
	if linkTag == "" {
		return
	}
	r.mu.Lock()
	link := r.byLink[linkTag]
	futures := make([]*Future, 0, len(link))
	for id, f := range link {
		futures = append(futures, f)
		delete(r.pending, id)
	}
	delete(r.byLink, linkTag)
	r.mu.Unlock()

	for _, f := range futures {
		f.resolve(FutureResult{}, err)
	}
}

// Len reports the number of currently pending Futures.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Await blocks until f resolves, ctx is done, or deadline elapses
// (a zero deadline means "no deadline"). A deadline timeout removes f
// from the registry before returning neterr.ErrTimeout, racing safely
// against a concurrent Complete: whichever resolves f first wins.
func (r *Registry) Await(ctx context.Context, f *Future, deadline time.Time) (FutureResult, error) {
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-f.done:
		f.mu.Lock()
		result, err := f.result, f.err
		f.mu.Unlock()
		return result, err
	case <-timeoutCh:
		r.mu.Lock()
		if cur, exists := r.pending[f.CorrelationID]; exists && cur == f {
			delete(r.pending, f.CorrelationID)
			r.untrack(f)
		}
		r.mu.Unlock()
		if f.resolve(FutureResult{}, neterr.ErrTimeout) {
			return FutureResult{}, neterr.ErrTimeout
		}
		// Complete() won the race between the timer firing and the
		// lock above; report what actually happened.
		f.mu.Lock()
		result, err := f.result, f.err
		f.mu.Unlock()
		return result, err
	case <-ctx.Done():
		return FutureResult{}, ctx.Err()
	}
}
