// Package link implements FramedLink from spec.md §4.2: the
// bidirectional, message-oriented transport each PeerConnection and
// each ServerEndpoint-accepted peer communicates over. One WebSocket
// message always carries exactly one EnvelopeList — WebSocket's own
// framing already gives the "whole message delivered or not at all"
// guarantee the spec asks of the wire format, so no separate
// length-prefix layer is needed.
//
// Grounded on pkg/agent/transport/websocket's WSTransport (dial side)
// and WSServer (accept side): a persistent connection, a background
// reader goroutine, and a send path that never blocks the caller
// longer than it takes to enqueue.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenzoki/gossipnet/internal/envelope"
	"github.com/tenzoki/gossipnet/internal/neterr"
	"github.com/tenzoki/gossipnet/internal/queue"
)

// Conn is the subset of *websocket.Conn a FramedLink needs. Tests
// substitute an in-memory fake; production code always passes a real
// *websocket.Conn, which satisfies this interface as-is.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ReceiveFunc is invoked once per inbound EnvelopeList. It must not
// block the reader goroutine for long; handlers that need to do real
// work should enqueue and return.
type ReceiveFunc func(*envelope.EnvelopeList)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 90 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// FramedLink pairs a Conn with an outbound send queue and a reader
// goroutine, so callers never touch the underlying connection
// directly and send order is preserved under concurrent senders
// (spec.md §4.2, §5).
type FramedLink struct {
	conn      Conn
	onReceive ReceiveFunc
	outbound  *queue.Queue[*envelope.EnvelopeList]

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func newFramedLink(conn Conn, onReceive ReceiveFunc) *FramedLink {
	l := &FramedLink{
		conn:      conn,
		onReceive: onReceive,
		outbound:  queue.New[*envelope.EnvelopeList](),
		closed:    make(chan struct{}),
	}
	l.wg.Add(2)
	go l.writeLoop()
	go l.readLoop()
	return l
}

// DialFramedLink opens an outbound WebSocket connection to url and
// returns a running FramedLink. Every inbound EnvelopeList is passed
// to onReceive from the link's own reader goroutine.
func DialFramedLink(ctx context.Context, url string, onReceive ReceiveFunc) (*FramedLink, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("link: dial %s (http %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("link: dial %s: %w", url, err)
	}
	return newFramedLink(conn, onReceive), nil
}

// AcceptFramedLink wraps an already-upgraded server-side connection
// (produced by websocket.Upgrader.Upgrade inside an HTTP handler) as
// a running FramedLink.
func AcceptFramedLink(conn *websocket.Conn, onReceive ReceiveFunc) *FramedLink {
	return newFramedLink(conn, onReceive)
}

// Send enqueues list for transmission. It returns promptly — actual
// writes happen on the link's write goroutine — and only fails if the
// link has already been closed.
func (l *FramedLink) Send(list *envelope.EnvelopeList) error {
	if err := l.outbound.Put(list); err != nil {
		return fmt.Errorf("link: send: %w", neterr.ErrLinkBroken)
	}
	return nil
}

// Close tears the link down: stops accepting new sends, closes the
// underlying connection (unblocking the reader), and waits for both
// loops to exit. Close is idempotent and safe to call from an owning
// goroutine. writeLoop/readLoop must not call Close on themselves —
// they call shutdown instead, which does the same teardown without
// waiting on the very goroutine doing the waiting.
func (l *FramedLink) Close() error {
	closeErr := l.shutdown()
	l.wg.Wait()
	return closeErr
}

func (l *FramedLink) shutdown() error {
	var closeErr error
	l.closeOnce.Do(func() {
		l.outbound.Close()
		closeErr = l.conn.Close()
		close(l.closed)
	})
	return closeErr
}

// Done returns a channel closed once the link has been torn down.
func (l *FramedLink) Done() <-chan struct{} {
	return l.closed
}

func (l *FramedLink) writeLoop() {
	defer l.wg.Done()
	ctx := context.Background()
	for {
		list, err := l.outbound.Get(ctx)
		if err != nil {
			// Queue closed: Close() is already tearing this link down.
			return
		}
		data, err := list.ToJSON()
		if err != nil {
			// A list that cannot even marshal is a programmer error
			// upstream, not a link failure; drop it and keep serving
			// the rest of the send queue.
			continue
		}
		if err := l.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
			l.shutdown()
			return
		}
		if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			l.shutdown()
			return
		}
	}
}

func (l *FramedLink) readLoop() {
	defer l.wg.Done()
	for {
		if err := l.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout)); err != nil {
			l.shutdown()
			return
		}
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.shutdown()
			return
		}
		list, err := envelope.FromJSON(data)
		if err != nil {
			// A malformed frame is dropped, not fatal to the link
			// (spec.md §7): the peer connection survives one bad
			// message from an otherwise healthy counterpart.
			continue
		}
		l.onReceive(list)
	}
}
