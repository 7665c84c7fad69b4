// Package ocpp201 implements the OCPP-J 2.0.1 Device (spec.md §4.4): the
// unified TransactionEvent action for start/update/stop, the
// Occupied/Available status sequence (no Preparing/Finishing), and the
// inbound dispatch table. Grounded on
// device/ocpp_j/device_ocpp_j201.py in the Python original, sharing the
// abstract_device_ocpp_j.py inbound table with the 1.6 dialect.
package ocpp201

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/codec/ocppj"
	msg "github.com/charging-platform/charge-point-simulator/internal/domain/ocpp201"
	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/domain/validation"
	"github.com/charging-platform/charge-point-simulator/internal/engine"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
)

const (
	actionBootNotification   = "BootNotification"
	actionHeartbeat          = "Heartbeat"
	actionStatusNotification = "StatusNotification"
	actionAuthorize          = "Authorize"
	actionTransactionEvent   = "TransactionEvent"
	actionDataTransfer       = "DataTransfer"
)

// Identity carries the optional BootNotification.chargingStation fields.
type Identity struct {
	VendorName      *string
	Model           *string
	SerialNumber    *string
	FirmwareVersion *string
	Iccid           *string
	Imsi            *string
}

type Device struct {
	id                   string
	identity             Identity
	registerOnInitialize bool

	sess      *session.Session
	eng       *engine.Engine
	log       zerolog.Logger
	emit      func(errevent.Event)
	seqNo     int
	validator *validation.Validator
}

func New(id string, identity Identity, registerOnInitialize bool, log zerolog.Logger, emit func(errevent.Event)) *Device {
	return &Device{
		id:                   id,
		identity:             identity,
		registerOnInitialize: registerOnInitialize,
		sess:                 &session.Session{},
		log:                  log,
		emit:                 emit,
		validator:            validation.NewValidator(),
	}
}

func (d *Device) AttachEngine(eng *engine.Engine) { d.eng = eng }
func (d *Device) Session() *session.Session       { return d.sess }
func (d *Device) RegisterOnInitialize() bool       { return d.registerOnInitialize }

func (d *Device) request(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	frame, err := ocppj.EncodeRequest(id, action, payload)
	if err != nil {
		return nil, fmt.Errorf("ocpp201: encode %s: %w", action, err)
	}
	return d.eng.Request(ctx, id, action, frame, nil)
}

func (d *Device) fail(action string, err error) {
	d.emit(errevent.Event{Kind: classify(err), Description: fmt.Sprintf("action %s failed: %v", action, err)})
}

func classify(err error) errevent.Kind {
	var timeoutErr *engine.TimeoutError
	var connErr *engine.ConnectionError
	switch {
	case errors.As(err, &timeoutErr):
		return errevent.KindInvalidResponse
	case errors.As(err, &connErr):
		return errevent.KindConnectionError
	default:
		return errevent.KindInvalidResponse
	}
}

func isoNow() string { return time.Now().UTC().Format(time.RFC3339) }

func (d *Device) ActionHeartbeat(ctx context.Context) bool {
	d.log.Info().Str("action", actionHeartbeat).Msg("action start")
	if _, err := d.request(ctx, actionHeartbeat, msg.HeartbeatRequest{}); err != nil {
		d.fail(actionHeartbeat, err)
		return false
	}
	d.log.Info().Str("action", actionHeartbeat).Msg("action end")
	return true
}

func (d *Device) ActionDataTransfer(ctx context.Context, payload interface{}) bool {
	d.log.Info().Str("action", actionDataTransfer).Msg("action start")
	if _, err := d.request(ctx, actionDataTransfer, payload); err != nil {
		d.fail(actionDataTransfer, err)
		return false
	}
	return true
}

func (d *Device) ActionRegister(ctx context.Context) bool {
	station := msg.ChargingStation{
		VendorName:      d.identity.VendorName,
		Model:           d.identity.Model,
		SerialNumber:    d.identity.SerialNumber,
		FirmwareVersion: d.identity.FirmwareVersion,
	}
	if d.identity.Iccid != nil || d.identity.Imsi != nil {
		station.Modem = &msg.Modem{ICCID: d.identity.Iccid, IMSI: d.identity.Imsi}
	}
	req := msg.BootNotificationRequest{ChargingStation: station, Reason: msg.BootReasonRemoteReset}

	d.log.Info().Str("action", actionBootNotification).Msg("action start")
	raw, err := d.request(ctx, actionBootNotification, req)
	if err != nil {
		d.fail(actionBootNotification, err)
		return false
	}
	var resp msg.BootNotificationResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil || resp.Status != msg.RegistrationAccepted {
		d.fail(actionBootNotification, fmt.Errorf("response rejected or malformed: %s", string(raw)))
		return false
	}
	d.log.Info().Str("action", actionBootNotification).Msg("action end")
	return true
}

func (d *Device) ActionStatusUpdate(ctx context.Context, status msg.ConnectorStatus, connectorID, evseID int) bool {
	if connectorID == 0 {
		connectorID = 1
	}
	if evseID == 0 {
		evseID = 1
	}
	req := msg.StatusNotificationRequest{Timestamp: isoNow(), ConnectorStatus: status, EVSEID: evseID, ConnectorID: connectorID}
	d.log.Info().Str("action", actionStatusNotification).Msg("action start")
	if _, err := d.request(ctx, actionStatusNotification, req); err != nil {
		d.fail(actionStatusNotification, err)
		return false
	}
	d.log.Info().Str("action", actionStatusNotification).Msg("action end")
	return true
}

func (d *Device) ActionAuthorize(ctx context.Context, idTag string) bool {
	if idTag == "" {
		idTag = "-"
	}
	req := msg.AuthorizeRequest{IDToken: msg.IDToken{IDToken: idTag, Type: msg.IDTokenTypeISO14443}}
	d.log.Info().Str("action", actionAuthorize).Msg("action start")
	raw, err := d.request(ctx, actionAuthorize, req)
	if err != nil {
		d.fail(actionAuthorize, err)
		return false
	}
	var resp msg.AuthorizeResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil || resp.IDTokenInfo.Status != msg.AuthorizationAccepted {
		d.fail(actionAuthorize, fmt.Errorf("response rejected or malformed: %s", string(raw)))
		return false
	}
	d.log.Info().Str("action", actionAuthorize).Msg("action end")
	return true
}

// ActionChargeStart sends TransactionEvent(Started). The device mints its
// own transaction id (the 2.0.1 dialect never receives one from the
// server), unlike the 1.6 dialect.
func (d *Device) ActionChargeStart(ctx context.Context, opts *flow.Options) bool {
	idTag := opts.IDTag
	if idTag == "" {
		idTag = "-"
	}
	connectorID, evseID := opts.ConnectorID, opts.EVSEID
	if connectorID == 0 {
		connectorID = 1
	}
	if evseID == 0 {
		evseID = 1
	}
	meterStart := opts.MeterStart
	if meterStart == 0 {
		meterStart = 1000
	}
	startTime := opts.ChargeStartTime
	ts := isoNow()
	if !startTime.IsZero() {
		ts = startTime.UTC().Format(time.RFC3339)
	} else {
		startTime = time.Now().UTC()
	}
	txID := uuid.NewString()

	req := msg.TransactionEventRequest{
		EventType:     msg.TransactionEventStarted,
		Timestamp:     ts,
		TriggerReason: msg.TriggerReasonAuthorized,
		SeqNo:         0,
		TransactionInfo: msg.TransactionInfo{
			TransactionID: txID,
			ChargingState: msg.ChargingStateIdle,
		},
		MeterValue: []msg.MeterValue{{
			Timestamp: ts,
			SampledValue: []msg.SampledValue{{
				Value:         meterStart,
				Context:       msg.SampledValueContextTransactionBegin,
				UnitOfMeasure: &msg.UnitOfMeasure{Unit: "Wh"},
			}},
		}},
		EVSE:    &msg.EVSE{ID: evseID, ConnectorID: connectorID},
		IDToken: &msg.IDToken{IDToken: idTag, Type: msg.IDTokenTypeISO14443},
	}

	d.log.Info().Str("action", actionTransactionEvent).Msg("action start")
	raw, err := d.request(ctx, actionTransactionEvent, req)
	if err != nil {
		d.fail(actionTransactionEvent, err)
		return false
	}
	var resp msg.TransactionEventResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil || resp.IDTokenInfo == nil || resp.IDTokenInfo.Status != msg.AuthorizationAccepted {
		d.fail(actionTransactionEvent, fmt.Errorf("response rejected or malformed: %s", string(raw)))
		return false
	}
	d.seqNo = 0
	d.sess.Activate(txID, meterStart, startTime)
	d.log.Info().Str("action", actionTransactionEvent).Msg("action end")
	return true
}

func (d *Device) ActionMeterValue(ctx context.Context, opts *flow.Options) bool {
	connectorID, evseID := opts.ConnectorID, opts.EVSEID
	if connectorID == 0 {
		connectorID = 1
	}
	if evseID == 0 {
		evseID = 1
	}
	now := time.Now().UTC()
	value := d.sess.MeterNow(now)
	if opts.MeterValueOverride != nil {
		value = *opts.MeterValueOverride
	}
	if opts.TimestampOverride != nil {
		now = *opts.TimestampOverride
	}
	ts := now.Format(time.RFC3339)
	d.seqNo++

	req := msg.TransactionEventRequest{
		EventType:     msg.TransactionEventUpdated,
		Timestamp:     ts,
		TriggerReason: msg.TriggerReasonChargingStateChanged,
		SeqNo:         d.seqNo,
		TransactionInfo: msg.TransactionInfo{
			TransactionID: d.sess.TransactionID,
			ChargingState: msg.ChargingStateCharging,
		},
		MeterValue: []msg.MeterValue{{
			Timestamp: ts,
			SampledValue: []msg.SampledValue{{
				Value:         value,
				Context:       msg.SampledValueContextSamplePeriodic,
				Measurand:     "Energy.Active.Import.Register",
				Location:      "Outlet",
				UnitOfMeasure: &msg.UnitOfMeasure{Unit: "Wh"},
			}},
		}},
		EVSE: &msg.EVSE{ID: evseID, ConnectorID: connectorID},
	}

	d.log.Info().Str("action", actionTransactionEvent).Msg("action start")
	if _, err := d.request(ctx, actionTransactionEvent, req); err != nil {
		d.fail(actionTransactionEvent, err)
		return false
	}
	d.log.Info().Str("action", actionTransactionEvent).Msg("action end")
	return true
}

func (d *Device) ActionChargeStop(ctx context.Context, opts *flow.Options) bool {
	idTag := opts.IDTag
	if idTag == "" {
		idTag = "-"
	}
	connectorID, evseID := opts.ConnectorID, opts.EVSEID
	if connectorID == 0 {
		connectorID = 1
	}
	if evseID == 0 {
		evseID = 1
	}
	stopTime := opts.ChargeStopTime
	if stopTime.IsZero() {
		stopTime = time.Now().UTC()
	}
	ts := stopTime.Format(time.RFC3339)
	meterStop := opts.MeterStop
	if meterStop == 0 {
		meterStop = d.sess.MeterNow(stopTime)
	}
	d.seqNo++

	req := msg.TransactionEventRequest{
		EventType:     msg.TransactionEventEnded,
		Timestamp:     ts,
		TriggerReason: msg.TriggerReasonChargingStateChanged,
		SeqNo:         d.seqNo,
		TransactionInfo: msg.TransactionInfo{
			TransactionID: d.sess.TransactionID,
			ChargingState: msg.ChargingStateTransactionEnded,
		},
		MeterValue: []msg.MeterValue{{
			Timestamp: ts,
			SampledValue: []msg.SampledValue{{
				Value:         meterStop,
				Context:       msg.SampledValueContextSamplePeriodic,
				Measurand:     "Energy.Active.Import.Register",
				Location:      "Outlet",
				UnitOfMeasure: &msg.UnitOfMeasure{Unit: "kWh"},
			}},
		}},
		EVSE:    &msg.EVSE{ID: evseID, ConnectorID: connectorID},
		IDToken: &msg.IDToken{IDToken: idTag, Type: msg.IDTokenTypeISO14443},
	}

	d.log.Info().Str("action", actionTransactionEvent).Msg("action start")
	raw, err := d.request(ctx, actionTransactionEvent, req)
	if err != nil {
		d.fail(actionTransactionEvent, err)
		return false
	}
	var resp msg.TransactionEventResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil || resp.IDTokenInfo == nil || resp.IDTokenInfo.Status != msg.AuthorizationAccepted {
		d.fail(actionTransactionEvent, fmt.Errorf("response rejected or malformed: %s", string(raw)))
		return false
	}
	d.log.Info().Str("action", actionTransactionEvent).Msg("action end")
	return true
}

// --- flow.FlowDevice ---

func (d *Device) FlowHeartbeat(ctx context.Context) bool { return d.ActionHeartbeat(ctx) }

func (d *Device) FlowAuthorize(ctx context.Context, opts *flow.Options) bool {
	return d.ActionAuthorize(ctx, opts.IDTag)
}

// FlowCharge implements the 2.0.1 Occupied/Available sequence: no
// Preparing or Finishing status, unlike the 1.6 dialect (spec.md §4.5).
func (d *Device) FlowCharge(ctx context.Context, autoStop bool, opts *flow.Options) bool {
	chargedWhPerMinute := opts.ChargedWhPerMinute
	if chargedWhPerMinute == 0 {
		chargedWhPerMinute = 1000
	}
	d.sess.Begin(opts.IDTag, opts.ConnectorID, chargedWhPerMinute)
	if !opts.IsRemoteStarted && !d.ActionAuthorize(ctx, opts.IDTag) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, msg.ConnectorOccupied, opts.ConnectorID, opts.EVSEID) {
		d.sess.Reset()
		return false
	}
	if !d.ActionChargeStart(ctx, opts) {
		d.sess.Reset()
		return false
	}
	if !flow.RunOngoingLoop(ctx, d, autoStop, opts) {
		d.sess.Reset()
		return false
	}
	if !d.ActionChargeStop(ctx, opts) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, msg.ConnectorAvailable, opts.ConnectorID, opts.EVSEID) {
		d.sess.Reset()
		return false
	}
	d.sess.Reset()
	return true
}

// --- flow.OngoingActionsDevice ---

func (d *Device) ChargeOngoingActions(ctx context.Context, opts *flow.Options) bool {
	if !opts.AutoActionsLoopDisableMeterValues && !d.ActionMeterValue(ctx, opts) {
		return false
	}
	return d.ActionStatusUpdate(ctx, msg.ConnectorOccupied, opts.ConnectorID, opts.EVSEID)
}

func (d *Device) EmitScriptedMeterValue(ctx context.Context, meterValue int64, timestamp time.Time) bool {
	opts := &flow.Options{MeterValueOverride: &meterValue, TimestampOverride: &timestamp}
	return d.ActionMeterValue(ctx, opts)
}

// --- inbound dispatch ---

var genericAccepted = map[string]bool{
	"clearcache":              true,
	"changeavailability":      true,
	"setchargingprofile":      true,
	"changeconfiguration":     true,
	"unlockconnector":         true,
	"updatefirmware":          true,
	"sendlocallist":           true,
	"cancelreservation":       true,
	"reservenow":              true,
	"datatransfer":            true,
	"requeststarttransaction": true,
	"requeststoptransaction":  true,
}

func (d *Device) HandleInbound(spawn func(name string, fn func() bool, delay time.Duration)) engine.InboundHandler {
	return func(ctx context.Context, id, action string, payload json.RawMessage) (interface{}, bool) {
		lower := lowerASCII(action)

		if genericAccepted[lower] {
			return msg.GenericStatusResponse{Status: "Accepted"}, false
		}

		switch lower {
		case "getconfiguration":
			return map[string]interface{}{
				"configurationKey": []map[string]interface{}{
					{"key": "type", "value": "device-simulator", "readonly": true},
					{"key": "identifier", "value": d.id, "readonly": false},
				},
			}, false

		case "getdiagnostics":
			return map[string]interface{}{"fileName": "fake_file_name.log"}, false

		case "reset":
			spawn("reset", func() bool { return true }, 2*time.Second)
			return msg.GenericStatusResponse{Status: "Accepted"}, false

		case "remotestarttransaction":
			var req struct {
				EVSEID  *int         `json:"evseId" validate:"omitempty,min=0"`
				IDToken *msg.IDToken `json:"idToken" validate:"required"`
			}
			_ = json.Unmarshal(payload, &req)
			if err := d.validator.ValidateStruct(req); err != nil {
				d.log.Warn().Err(err).Str("action", action).Msg("ocpp201: rejecting malformed inbound request")
				return msg.GenericStatusResponse{Status: "Rejected"}, false
			}
			if !d.sess.CanStart() {
				return msg.GenericStatusResponse{Status: "Rejected"}, false
			}
			idTag := "-"
			evseID := 0
			if req.IDToken != nil {
				idTag = req.IDToken.IDToken
			}
			if req.EVSEID != nil {
				evseID = *req.EVSEID
			}
			opts := &flow.Options{IDTag: idTag, EVSEID: evseID, IsRemoteStarted: true}
			spawn("remote-start", func() bool { return d.FlowCharge(ctx, false, opts) }, 2*time.Second)
			return msg.GenericStatusResponse{Status: "Accepted"}, false

		case "remotestoptransaction":
			var req struct {
				TransactionID string `json:"transactionId" validate:"required"`
			}
			_ = json.Unmarshal(payload, &req)
			if err := d.validator.ValidateStruct(req); err != nil {
				d.log.Warn().Err(err).Str("action", action).Msg("ocpp201: rejecting malformed inbound request")
				return msg.GenericStatusResponse{Status: "Rejected"}, false
			}
			if !d.sess.CanStop(req.TransactionID) {
				return msg.GenericStatusResponse{Status: "Rejected"}, false
			}
			spawn("remote-stop", func() bool { d.sess.BeginStopping(); return true }, 2*time.Second)
			return msg.GenericStatusResponse{Status: "Accepted"}, false

		case "triggermessage":
			var req struct {
				RequestedMessage string `json:"requestedMessage" validate:"required"`
				EVSEID           *int   `json:"evseId" validate:"omitempty,min=0"`
			}
			_ = json.Unmarshal(payload, &req)
			if err := d.validator.ValidateStruct(req); err != nil {
				d.log.Warn().Err(err).Str("action", action).Msg("ocpp201: rejecting malformed inbound request")
				return msg.GenericStatusResponse{Status: "Rejected"}, false
			}
			evseID := 0
			if req.EVSEID != nil {
				evseID = *req.EVSEID
			}
			switch req.RequestedMessage {
			case "MeterValues":
				spawn("trigger-metervalues", func() bool { return d.ActionMeterValue(ctx, &flow.Options{EVSEID: evseID}) }, 0)
			case "BootNotification":
				spawn("trigger-boot", func() bool { return d.ActionRegister(ctx) }, 0)
			case "Heartbeat":
				spawn("trigger-heartbeat", func() bool { return d.ActionHeartbeat(ctx) }, 0)
			case "StatusNotification":
				status := msg.ConnectorAvailable
				if d.sess.InProgress() {
					status = msg.ConnectorOccupied
				}
				spawn("trigger-status", func() bool { return d.ActionStatusUpdate(ctx, status, 0, evseID) }, 0)
			}
			return msg.GenericStatusResponse{Status: "Accepted"}, false
		}

		d.log.Warn().Str("action", action).Msg("ocpp201: unknown or unsupported inbound request")
		return nil, true
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
