package domain

import "encoding/json"

// Kind classifies server→client stream messages and drives subscription
// matching in the dispatcher.
type Kind string

const (
	KindTick  Kind = "tick"
	KindKline Kind = "kline"
	KindDepth Kind = "depth"
	KindPong  Kind = "pong"
	KindError Kind = "error"
)

// IsData reports whether messages of this kind are subject to the session
// queue drop policy. Heartbeats and errors bypass it.
func (k Kind) IsData() bool {
	switch k {
	case KindTick, KindKline, KindDepth:
		return true
	default:
		return false
	}
}

// Message is one outbound entry on a session queue. Payload is the encoded
// wire frame; Symbol is empty for control messages.
type Message struct {
	Kind    Kind
	Symbol  string
	Payload []byte
}

// Envelope is the JSON wire frame sent to streaming clients.
type Envelope struct {
	Type    Kind            `json:"type"`
	Symbol  string          `json:"symbol,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ClientRequest is the tagged client→server request model. Exactly one
// action applies per message; unknown actions produce an error frame.
type ClientRequest struct {
	Action  string   `json:"action"` // "subscribe", "unsubscribe", "ping"
	Symbols []string `json:"symbols,omitempty"`
	Kinds   []Kind   `json:"kinds,omitempty"`
}
