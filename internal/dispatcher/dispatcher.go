// Package dispatcher defines the external consumer interface
// mentioned in spec.md §6: the transport core hands verified
// gossip/msg payloads upward to something that actually interprets
// block and batch gossip, but what that something does with them is
// explicitly out of scope for the transport core itself. Dispatcher
// captures that boundary; LoggingDispatcher is the reference stand-in
// NetworkService wires in when no real consensus-layer consumer is
// supplied.
//
// Grounded on the original implementation's dispatcher collaborator
// (original_source/.../server/network.py's Dispatcher field): a
// pluggable sink fed via an incoming-message queue and a readiness
// signal, with per-gossip-message-kind callbacks.
package dispatcher

import (
	"context"
	"log"

	"github.com/tenzoki/gossipnet/internal/queue"
	"github.com/tenzoki/gossipnet/internal/ready"
)

// IncomingMessage is one verified gossip/msg payload handed up from
// the transport core.
type IncomingMessage struct {
	RoutingKey  string
	ContentType string
	Content     []byte
}

// Dispatcher receives the transport core's verified gossip traffic.
// NetworkService calls SetIncomingMsgQueue and SetReadySignal once at
// construction, then Start, and calls Stop during shutdown.
type Dispatcher interface {
	SetIncomingMsgQueue(q *queue.Queue[IncomingMessage])
	SetReadySignal(gate *ready.Gate)
	Start()
	Stop()

	OnBlockRequest(routingKey string, content []byte)
	OnBlockReceived(routingKey string, content []byte)
	OnBatchReceived(routingKey string, content []byte)
}

// LoggingDispatcher logs every gossip message it is handed and
// otherwise does nothing; it exists so NetworkService has a working
// default Dispatcher without depending on a real consensus engine.
type LoggingDispatcher struct {
	logger *log.Logger
	queue  *queue.Queue[IncomingMessage]
	ready  *ready.Gate

	cancel context.CancelFunc
}

// NewLoggingDispatcher returns a LoggingDispatcher that logs through
// logger.
func NewLoggingDispatcher(logger *log.Logger) *LoggingDispatcher {
	return &LoggingDispatcher{logger: logger}
}

// SetIncomingMsgQueue wires the queue NetworkService will feed.
func (d *LoggingDispatcher) SetIncomingMsgQueue(q *queue.Queue[IncomingMessage]) {
	d.queue = q
}

// SetReadySignal wires the gate opened once the dispatcher has
// finished its own setup.
func (d *LoggingDispatcher) SetReadySignal(gate *ready.Gate) {
	d.ready = gate
}

// Start begins draining the incoming message queue in the background
// and opens the readiness gate.
func (d *LoggingDispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	if d.ready != nil {
		d.ready.Open()
	}
	go d.run(ctx)
}

func (d *LoggingDispatcher) run(ctx context.Context) {
	if d.queue == nil {
		return
	}
	for {
		msg, err := d.queue.Get(ctx)
		if err != nil {
			return
		}
		d.logger.Printf("dispatcher: gossip/msg from %s (%s, %d bytes)", msg.RoutingKey, msg.ContentType, len(msg.Content))
	}
}

// Stop cancels the drain goroutine started by Start.
func (d *LoggingDispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// OnBlockRequest logs the request.
func (d *LoggingDispatcher) OnBlockRequest(routingKey string, content []byte) {
	d.logger.Printf("dispatcher: block request from %s (%d bytes)", routingKey, len(content))
}

// OnBlockReceived logs the block.
func (d *LoggingDispatcher) OnBlockReceived(routingKey string, content []byte) {
	d.logger.Printf("dispatcher: block received from %s (%d bytes)", routingKey, len(content))
}

// OnBatchReceived logs the batch.
func (d *LoggingDispatcher) OnBatchReceived(routingKey string, content []byte) {
	d.logger.Printf("dispatcher: batch received from %s (%d bytes)", routingKey, len(content))
}
