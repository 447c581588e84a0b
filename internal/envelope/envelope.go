// Package envelope defines the sole wire unit exchanged by the gossip
// transport. Every Envelope travels inside an EnvelopeList — even a
// list of one — so a peer may coalesce several envelopes into a
// single WebSocket message (spec.md §3).
//
// Called by: FramedLink (wire encode/decode), HandlerTable dispatch,
// FutureRegistry correlation, PeerConnection/ServerEndpoint send paths.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tenzoki/gossipnet/internal/corrid"
)

// Known message types. Handlers are looked up by these tags; payload
// schemas are opaque to the transport core (spec.md §6) but their
// routing is fixed.
const (
	TypeRegister   = "gossip/register"
	TypeUnregister = "gossip/unregister"
	TypeMessage    = "gossip/msg"
	TypePing       = "gossip/ping"
	TypeAck        = "gossip/ack"
)

// Envelope is the canonical record the transport exchanges.
//
// CorrelationID is a 128-character lowercase hex token (see package
// corrid); Sender is filled in by the server side from the
// transport's per-connection routing prefix on receive and is unset
// on the wire from a dialing client (§6).
type Envelope struct {
	MessageType   string `json:"message_type"`
	CorrelationID string `json:"correlation_id"`
	Content       []byte `json:"content"`
	Sender        []byte `json:"sender,omitempty"`
}

// EnvelopeList is the batch container actually carried by the wire
// transport. ListID is an optional tracing aid (a UUID, in the
// teacher's envelope-ID idiom) never interpreted by the protocol.
type EnvelopeList struct {
	ListID    string      `json:"list_id,omitempty"`
	Envelopes []*Envelope `json:"envelopes"`
}

// NewList wraps one or more Envelopes into an EnvelopeList, stamping a
// fresh ListID for tracing.
func NewList(envelopes ...*Envelope) *EnvelopeList {
	return &EnvelopeList{
		ListID:    uuid.New().String(),
		Envelopes: envelopes,
	}
}

// New constructs an Envelope with a freshly generated correlation id.
// Use NewReply to build a response that must echo an existing one
// instead.
func New(messageType string, content []byte) (*Envelope, error) {
	id, err := corrid.New()
	if err != nil {
		return nil, fmt.Errorf("envelope: new: %w", err)
	}
	return &Envelope{
		MessageType:   messageType,
		CorrelationID: id,
		Content:       content,
	}, nil
}

// NewReply builds a reply Envelope that echoes the originator's
// correlation id unchanged, satisfying the invariant in spec.md §3
// that "replies echo the originator's correlation_id unchanged".
func NewReply(originator *Envelope, messageType string, content []byte) *Envelope {
	return &Envelope{
		MessageType:   messageType,
		CorrelationID: originator.CorrelationID,
		Content:       content,
	}
}

// Validate reports whether e has every field required to be routed.
func (e *Envelope) Validate() error {
	if e.MessageType == "" {
		return &ValidationError{Field: "message_type", Message: "message type is required"}
	}
	if len(e.CorrelationID) != 128 {
		return &ValidationError{Field: "correlation_id", Message: "correlation id must be a 128-character hex token"}
	}
	return nil
}

// ValidationError reports a single malformed-envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ToJSON serializes the envelope list to JSON for transport.
func (l *EnvelopeList) ToJSON() ([]byte, error) {
	return json.Marshal(l)
}

// FromJSON deserializes an EnvelopeList previously produced by ToJSON.
func FromJSON(data []byte) (*EnvelopeList, error) {
	var list EnvelopeList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("envelope: decode list: %w", err)
	}
	return &list, nil
}

// --- Known payload schemas (opaque to routing, defined here only so
// handlers and callers share one vocabulary; spec.md §6 table). ---

// PeerRegisterRequest is the gossip/register payload.
type PeerRegisterRequest struct {
	Identity string `json:"identity"`
}

// PeerUnregisterRequest is the gossip/unregister payload.
type PeerUnregisterRequest struct {
	Identity string `json:"identity"`
}

// GossipMessage is the gossip/msg payload.
type GossipMessage struct {
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
}

// PingRequest is the gossip/ping payload. It carries no fields; its
// presence alone is the request.
type PingRequest struct{}

// AckStatus is the closed status enum a NetworkAcknowledgement
// carries. The original protocol left this as "OK, ..."; Rejected and
// Error fill in the remaining cases a register/unregister/msg handler
// can report.
type AckStatus string

const (
	AckOK       AckStatus = "OK"
	AckRejected AckStatus = "REJECTED"
	AckError    AckStatus = "ERROR"
)

// NetworkAcknowledgement is the gossip/ack payload.
type NetworkAcknowledgement struct {
	Status AckStatus `json:"status"`
	Detail string    `json:"detail,omitempty"`
}
