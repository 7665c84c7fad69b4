// Package connection models the client-side connection a simulated charge
// point maintains toward a central system: its dialect, its state machine,
// and the one-of-three wire configuration that selects a Transport.
package connection

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the device's connection to the central
// system.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRegistered   State = "registered"
	StateFaulted      State = "faulted"
)

// ProtocolVersion identifies the wire dialect a Device speaks.
type ProtocolVersion string

const (
	ProtocolOCPP16  ProtocolVersion = "ocpp1.6"
	ProtocolOCPP201 ProtocolVersion = "ocpp2.0.1"
	ProtocolEnsto   ProtocolVersion = "ensto"
)

// Kind is the underlying transport family.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindTCP       Kind = "tcp"
	KindSOAP      Kind = "soap"
)

// WebSocketConfig is the dial configuration for OCPP-J (1.6 and 2.0.1).
type WebSocketConfig struct {
	ServerAddress string   // base URL, e.g. "ws://central.example.com/ocpp"
	DeviceID      string   // appended as a URL path segment
	Subprotocols  []string // negotiated sub-protocol list, e.g. ["ocpp1.6"]
}

// URL returns the dial target: <ServerAddress>/<url-encoded deviceId>.
func (c WebSocketConfig) URL() string {
	return fmt.Sprintf("%s/%s", c.ServerAddress, pathEscape(c.DeviceID))
}

// TCPConfig is the dial configuration for the Ensto raw-TCP dialect.
type TCPConfig struct {
	Host string
	Port int
}

func (c TCPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SOAPConfig is the dial configuration for OCPP-S.
type SOAPConfig struct {
	EndpointURL string
	FromAddress string
}

// Config is exactly one of WebSocket, TCP, or SOAP, selected by Kind.
type Config struct {
	Kind      Kind
	WebSocket *WebSocketConfig
	TCP       *TCPConfig
	SOAP      *SOAPConfig

	ResponseTimeout time.Duration
}

func pathEscape(s string) string {
	// deviceId is used verbatim in most simulated fleets; escape the
	// handful of characters that would otherwise break the URL path.
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case ' ':
			out = append(out, '%', '2', '0')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
