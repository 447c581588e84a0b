package peerconn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenzoki/gossipnet/internal/envelope"
	"github.com/tenzoki/gossipnet/internal/future"
	"github.com/tenzoki/gossipnet/internal/neterr"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakePeerServer acknowledges every gossip/register it sees and hands
// any other message type it receives to onMessage (ignoring it when
// onMessage is nil), letting tests exercise PeerConnection without a
// real ServerEndpoint.
type fakePeerServer struct {
	onMessage func(env *envelope.Envelope, conn *websocket.Conn)
}

func (s *fakePeerServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			list, err := envelope.FromJSON(data)
			if err != nil {
				continue
			}
			for _, env := range list.Envelopes {
				switch env.MessageType {
				case envelope.TypeRegister:
					ackPayload, _ := json.Marshal(envelope.NetworkAcknowledgement{Status: envelope.AckOK})
					reply := envelope.NewReply(env, envelope.TypeAck, ackPayload)
					data, _ := envelope.NewList(reply).ToJSON()
					conn.WriteMessage(websocket.TextMessage, data)
				default:
					if s.onMessage != nil {
						s.onMessage(env, conn)
					}
				}
			}
		}
	})
}

func TestDialCompletesRegisterHandshake(t *testing.T) {
	srv := &fakePeerServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	futures := future.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL, "test-node-1", futures, time.Second, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
}

func TestSendReturnsFutureResolvedByReply(t *testing.T) {
	srv := &fakePeerServer{
		onMessage: func(env *envelope.Envelope, wsConn *websocket.Conn) {
			reply := envelope.NewReply(env, envelope.TypeAck, []byte("pong"))
			data, _ := envelope.NewList(reply).ToJSON()
			wsConn.WriteMessage(websocket.TextMessage, data)
		},
	}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	futures := future.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL, "test-node-2", futures, time.Second, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	f, err := conn.Send(envelope.TypePing, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	result, err := conn.Await(context.Background(), f, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(result.Content) != "pong" {
		t.Fatalf("result content = %q, want pong", result.Content)
	}
}

func TestUnmatchedReplyRoutesToCallback(t *testing.T) {
	srv := &fakePeerServer{
		onMessage: func(env *envelope.Envelope, wsConn *websocket.Conn) {
			// Answer with an unsolicited gossip/msg carrying a fresh
			// correlation id rather than a reply, so the client sees a
			// message that matches no pending Future.
			push, err := envelope.New(envelope.TypeMessage, []byte("push"))
			if err != nil {
				return
			}
			data, _ := envelope.NewList(push).ToJSON()
			wsConn.WriteMessage(websocket.TextMessage, data)
		},
	}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	futures := future.NewRegistry()
	unmatched := make(chan *envelope.Envelope, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL, "test-node-3", futures, time.Second, func(env *envelope.Envelope) {
		unmatched <- env
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The register ack matched its Future, so nothing reaches the
	// callback yet.
	select {
	case env := <-unmatched:
		t.Fatalf("unexpected early unmatched delivery: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := conn.Send(envelope.TypePing, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-unmatched:
		if env.MessageType != envelope.TypeMessage || string(env.Content) != "push" {
			t.Fatalf("unmatched envelope = %+v, want the pushed gossip/msg", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unsolicited push never reached the unmatched callback")
	}
}

// TestDeadLinkFailsInFlightFuture drives a genuine peer disconnect (the
// server closes its socket right after registering, without ever
// replying to the ping that follows) and verifies the Future that
// Send returned resolves with ErrPeerUnreachable instead of hanging
// forever — spec.md §7's "LinkBroken fails every Future whose send
// went through that link."
func TestDeadLinkFailsInFlightFuture(t *testing.T) {
	closeAfterRegister := make(chan *websocket.Conn, 1)
	srv := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		list, err := envelope.FromJSON(data)
		if err != nil || len(list.Envelopes) == 0 {
			return
		}
		ackPayload, _ := json.Marshal(envelope.NetworkAcknowledgement{Status: envelope.AckOK})
		reply := envelope.NewReply(list.Envelopes[0], envelope.TypeAck, ackPayload)
		out, _ := envelope.NewList(reply).ToJSON()
		conn.WriteMessage(websocket.TextMessage, out)
		closeAfterRegister <- conn
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	futures := future.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL, "test-node-5", futures, time.Second, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	serverConn := <-closeAfterRegister
	serverConn.Close()

	f, err := conn.Send(envelope.TypePing, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, err = conn.Await(context.Background(), f, time.Now().Add(2*time.Second))
	if !errors.Is(err, neterr.ErrPeerUnreachable) {
		t.Fatalf("Await err = %v, want ErrPeerUnreachable", err)
	}
}

func TestDialFailsWhenPeerRejectsRegistration(t *testing.T) {
	rejecting := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		list, err := envelope.FromJSON(data)
		if err != nil || len(list.Envelopes) == 0 {
			return
		}
		ackPayload, _ := json.Marshal(envelope.NetworkAcknowledgement{Status: envelope.AckRejected, Detail: "not allowed"})
		reply := envelope.NewReply(list.Envelopes[0], envelope.TypeAck, ackPayload)
		out, _ := envelope.NewList(reply).ToJSON()
		conn.WriteMessage(websocket.TextMessage, out)
	})
	ts := httptest.NewServer(rejecting)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	futures := future.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Dial(ctx, wsURL, "test-node-4", futures, time.Second, nil); err == nil {
		t.Fatal("expected Dial to fail when the peer rejects registration")
	}
}
