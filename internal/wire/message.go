// Package wire defines the uniform Message shape every codec decodes
// inbound frames into and the ProtocolEngine correlates on, per spec.md §3.
package wire

import "encoding/json"

// Kind is the wire-level tag on a Message. For OCPP-J it mirrors the
// integer 2/3/4 JSON-RPC-like envelope (spec.md §4.2); Ensto and SOAP map
// onto the same three cases even though their wire form carries no
// explicit tag.
type Kind int

const (
	// KindAmbiguous marks a Message whose request/response role can only
	// be resolved against the pending-request table (the Ensto dialect,
	// which carries no kind tag at all): the engine tries resolve() first
	// and falls back to inbound dispatch on no match.
	KindAmbiguous Kind = 0
	KindReq       Kind = 2 // server- or device-initiated request
	KindResp      Kind = 3 // response to a previously sent request
	KindErr       Kind = 4 // protocol-level error response
)

// Message is the uniform shape every Codec decodes a frame into and every
// ProtocolEngine dispatches on.
type Message struct {
	Kind    Kind
	ID      string
	Action  string
	Payload json.RawMessage
}

// CallError carries the OCPP-J `[4, id, errorCode, description, details]`
// envelope payload.
type CallError struct {
	ErrorCode        string      `json:"errorCode"`
	ErrorDescription string      `json:"errorDescription"`
	ErrorDetails     interface{} `json:"errorDetails,omitempty"`
}
