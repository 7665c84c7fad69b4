// Package protocol holds the small set of dialect constants shared across
// codecs, devices, and configuration.
package protocol

import "github.com/charging-platform/charge-point-simulator/internal/domain/connection"

const (
	OCPPVersion16  = "ocpp1.6"
	OCPPVersion201 = "ocpp2.0.1"
	DialectEnsto   = "ensto"

	DefaultVersion = OCPPVersion16
)

// SupportedVersions lists the OCPP-J sub-protocol tokens this simulator can
// negotiate, in preference order.
var SupportedVersions = []string{OCPPVersion16, OCPPVersion201}

// versionAliases maps loosely-formatted config values onto a canonical
// sub-protocol token.
var versionAliases = map[string]string{
	"1.6":       OCPPVersion16,
	"ocpp1.6":   OCPPVersion16,
	"OCPP1.6":   OCPPVersion16,
	"2.0.1":     OCPPVersion201,
	"ocpp2.0.1": OCPPVersion201,
	"OCPP2.0.1": OCPPVersion201,
}

// NormalizeVersion canonicalizes a user-supplied version string; returns ""
// if it is not recognized.
func NormalizeVersion(version string) string {
	if normalized, ok := versionAliases[version]; ok {
		return normalized
	}
	return ""
}

// DialectFromProtocols picks the OCPP-J dialect implied by a device's
// configured sub-protocol list: ocpp2.0.1 if present, else 1.6 (spec.md §6).
func DialectFromProtocols(protocols []string) string {
	for _, p := range protocols {
		if NormalizeVersion(p) == OCPPVersion201 {
			return OCPPVersion201
		}
	}
	return OCPPVersion16
}

// ToConnectionProtocolVersion converts a canonical version string into the
// connection package's typed enum.
func ToConnectionProtocolVersion(version string) connection.ProtocolVersion {
	switch version {
	case OCPPVersion201:
		return connection.ProtocolOCPP201
	case DialectEnsto:
		return connection.ProtocolEnsto
	default:
		return connection.ProtocolOCPP16
	}
}
