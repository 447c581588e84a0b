package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/tenzoki/gossipnet/internal/envelope"
)

type recordingResponder struct {
	replies []*envelope.Envelope
}

func (r *recordingResponder) Reply(ctx context.Context, original, reply *envelope.Envelope) error {
	r.replies = append(r.replies, reply)
	return nil
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	var gotType string
	def := HandlerFunc(func(ctx context.Context, env *envelope.Envelope, r Responder) error {
		t.Fatal("default handler should not run for a registered type")
		return nil
	})
	table := NewTable(def)
	table.Register(envelope.TypePing, HandlerFunc(func(ctx context.Context, env *envelope.Envelope, r Responder) error {
		gotType = env.MessageType
		return nil
	}))

	env, err := envelope.New(envelope.TypePing, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Dispatch(context.Background(), env, &recordingResponder{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotType != envelope.TypePing {
		t.Fatalf("handler saw message type %q, want %q", gotType, envelope.TypePing)
	}
}

func TestDispatchFallsBackToDefault(t *testing.T) {
	ran := false
	def := HandlerFunc(func(ctx context.Context, env *envelope.Envelope, r Responder) error {
		ran = true
		return nil
	})
	table := NewTable(def)

	env, err := envelope.New("gossip/unknown-type", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Dispatch(context.Background(), env, &recordingResponder{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !ran {
		t.Fatal("expected default handler to run for an unregistered message type")
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	wantErr := errors.New("handler exploded")
	def := HandlerFunc(func(ctx context.Context, env *envelope.Envelope, r Responder) error {
		return wantErr
	})
	table := NewTable(def)

	env, err := envelope.New(envelope.TypePing, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Dispatch(context.Background(), env, &recordingResponder{}); !errors.Is(err, wantErr) {
		t.Fatalf("Dispatch err = %v, want %v", err, wantErr)
	}
}

func TestRegisterReplacesExistingHandler(t *testing.T) {
	calls := 0
	def := HandlerFunc(func(ctx context.Context, env *envelope.Envelope, r Responder) error { return nil })
	table := NewTable(def)
	table.Register(envelope.TypeMessage, HandlerFunc(func(ctx context.Context, env *envelope.Envelope, r Responder) error {
		calls = 1
		return nil
	}))
	table.Register(envelope.TypeMessage, HandlerFunc(func(ctx context.Context, env *envelope.Envelope, r Responder) error {
		calls = 2
		return nil
	}))

	env, err := envelope.New(envelope.TypeMessage, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Dispatch(context.Background(), env, &recordingResponder{}); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (second registration should win)", calls)
	}
}
