// Package ocppj implements the OCPP-J wire codec shared by the 1.6 and
// 2.0.1 dialects (spec.md §4.2): a JSON array envelope tagged 2/3/4.
// Grounded on the gateway's internal/domain/serialization/serializer.go
// (serializeJSON/deserializeJSON) and on device_ocpp_j.py's
// by_device_req_send / __loop_internal in the Python original.
package ocppj

import (
	"encoding/json"
	"fmt"

	"github.com/charging-platform/charge-point-simulator/internal/wire"
)

// EncodeRequest renders `[2, "<id>", "<action>", <payload>]`.
func EncodeRequest(id, action string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ocppj: marshal request payload: %w", err)
	}
	return json.Marshal([]interface{}{wire.KindReq, id, action, json.RawMessage(raw)})
}

// EncodeResponse renders `[3, "<id>", <payload>]`.
func EncodeResponse(id string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ocppj: marshal response payload: %w", err)
	}
	return json.Marshal([]interface{}{wire.KindResp, id, json.RawMessage(raw)})
}

// EncodeError renders `[4, "<id>", "<errorCode>", "<description>", <details>]`.
func EncodeError(id string, callErr wire.CallError) ([]byte, error) {
	details := callErr.ErrorDetails
	if details == nil {
		details = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{wire.KindErr, id, callErr.ErrorCode, callErr.ErrorDescription, details})
}

// Decode parses one OCPP-J frame into the uniform Message shape.
//
// Decoding rule (spec.md §4.2): if the array has length >= 1 and element 0
// is 2, it is a server-initiated request (requires length >= 4, else
// log-and-drop). If element 0 is 3, it is a response (requires length >=
// 3). Any other value is dropped at debug level. "Dropped" frames are
// reported back as ok == false with no error — the caller logs and moves
// on, it does not treat this as fatal.
func Decode(frame []byte) (msg wire.Message, ok bool, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return wire.Message{}, false, fmt.Errorf("ocppj: invalid frame: %w", err)
	}
	if len(raw) < 1 {
		return wire.Message{}, false, nil
	}

	var kind int
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return wire.Message{}, false, fmt.Errorf("ocppj: invalid message type: %w", err)
	}

	switch wire.Kind(kind) {
	case wire.KindReq:
		if len(raw) < 4 {
			return wire.Message{}, false, nil
		}
		var id, action string
		if err := json.Unmarshal(raw[1], &id); err != nil {
			return wire.Message{}, false, fmt.Errorf("ocppj: invalid request id: %w", err)
		}
		if err := json.Unmarshal(raw[2], &action); err != nil {
			return wire.Message{}, false, fmt.Errorf("ocppj: invalid request action: %w", err)
		}
		return wire.Message{Kind: wire.KindReq, ID: id, Action: action, Payload: raw[3]}, true, nil

	case wire.KindResp:
		if len(raw) < 3 {
			return wire.Message{}, false, nil
		}
		var id string
		if err := json.Unmarshal(raw[1], &id); err != nil {
			return wire.Message{}, false, fmt.Errorf("ocppj: invalid response id: %w", err)
		}
		return wire.Message{Kind: wire.KindResp, ID: id, Payload: raw[2]}, true, nil

	case wire.KindErr:
		if len(raw) < 4 {
			return wire.Message{}, false, nil
		}
		var id string
		if err := json.Unmarshal(raw[1], &id); err != nil {
			return wire.Message{}, false, fmt.Errorf("ocppj: invalid error id: %w", err)
		}
		return wire.Message{Kind: wire.KindErr, ID: id, Payload: raw[3]}, true, nil

	default:
		// log-and-drop, per decode rule
		return wire.Message{}, false, nil
	}
}
