// Package ocpp16 implements the OCPP-J 1.6 Device (spec.md §4.4): the
// action set, the flow_heartbeat/flow_authorize/flow_charge sequences, and
// the inbound server-request dispatch table. Grounded on
// device/ocpp_j/abstract_device_ocpp_j.py and device/ocpp_j/device_ocpp_j16.py
// in the Python original.
package ocpp16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/codec/ocppj"
	msg "github.com/charging-platform/charge-point-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/domain/validation"
	"github.com/charging-platform/charge-point-simulator/internal/engine"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
)

// Identity carries the optional BootNotification fields the YAML device
// schema's spec_* keys populate (spec.md §6).
type Identity struct {
	ChargePointVendor       *string
	ChargePointModel        *string
	ChargePointSerialNumber *string
	ChargeBoxSerialNumber   *string
	FirmwareVersion         *string
	Iccid                   *string
	Imsi                    *string
	MeterType               *string
	MeterSerialNumber       *string
}

// Device is the OCPP-J 1.6 dialect. It is constructed before its Engine
// (the Engine's InboundHandler needs a bound method on it) and then wired
// together with AttachEngine.
type Device struct {
	id                   string
	identity             Identity
	registerOnInitialize bool

	sess      *session.Session
	eng       *engine.Engine
	log       zerolog.Logger
	emit      func(errevent.Event)
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

// AttachEngine completes construction once the Engine exists (the Engine
// itself needs d.HandleInbound as its InboundHandler).
func (d *Device) AttachEngine(eng *engine.Engine) { d.eng = eng }

func (d *Device) Session() *session.Session { return d.sess }

func (d *Device) RegisterOnInitialize() bool { return d.registerOnInitialize }

func (d *Device) request(ctx context.Context, action msg.Action, payload interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	frame, err := ocppj.EncodeRequest(id, string(action), payload)
	if err != nil {
		return nil, fmt.Errorf("ocpp16: encode %s: %w", action, err)
	}
	return d.eng.Request(ctx, id, string(action), frame, nil)
}

func (d *Device) fail(action msg.Action, err error) {
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

func utcnowISO() time.Time { return time.Now().UTC() }

// ActionHeartbeat sends Heartbeat.
func (d *Device) ActionHeartbeat(ctx context.Context) bool {
	d.log.Info().Str("action", string(msg.ActionHeartbeat)).Msg("action start")
	if _, err := d.request(ctx, msg.ActionHeartbeat, msg.HeartbeatRequest{}); err != nil {
		d.fail(msg.ActionHeartbeat, err)
		return false
	}
	d.log.Info().Str("action", string(msg.ActionHeartbeat)).Msg("action end")
	return true
}

// ActionDataTransfer sends DataTransfer with an arbitrary vendor payload.
func (d *Device) ActionDataTransfer(ctx context.Context, req msg.DataTransferRequest) bool {
	d.log.Info().Str("action", string(msg.ActionDataTransfer)).Msg("action start")
	if _, err := d.request(ctx, msg.ActionDataTransfer, req); err != nil {
		d.fail(msg.ActionDataTransfer, err)
		return false
	}
	d.log.Info().Str("action", string(msg.ActionDataTransfer)).Msg("action end")
	return true
}

// ActionRegister sends BootNotification with whichever identity fields are
// populated, and requires RegistrationStatusAccepted.
func (d *Device) ActionRegister(ctx context.Context) bool {
	action := msg.ActionBootNotification
	d.log.Info().Str("action", string(action)).Msg("action start")
	req := msg.BootNotificationRequest{
		ChargePointVendor:       derefOr(d.identity.ChargePointVendor, ""),
		ChargePointModel:        derefOr(d.identity.ChargePointModel, ""),
		ChargePointSerialNumber: d.identity.ChargePointSerialNumber,
		ChargeBoxSerialNumber:   d.identity.ChargeBoxSerialNumber,
		FirmwareVersion:         d.identity.FirmwareVersion,
		Iccid:                   d.identity.Iccid,
		Imsi:                    d.identity.Imsi,
		MeterType:               d.identity.MeterType,
		MeterSerialNumber:       d.identity.MeterSerialNumber,
	}
	raw, err := d.request(ctx, action, req)
	if err != nil {
		d.fail(action, err)
		return false
	}
	var resp msg.BootNotificationResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil || resp.Status != msg.RegistrationStatusAccepted {
		d.fail(action, fmt.Errorf("response rejected or malformed: %s", string(raw)))
		return false
	}
	d.log.Info().Str("action", string(action)).Msg("action end")
	return true
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// ActionStatusUpdate sends StatusNotification with errorCode NoError.
func (d *Device) ActionStatusUpdate(ctx context.Context, status msg.ChargePointStatus, connectorID int) bool {
	return d.ActionStatusUpdateOCPP(ctx, status, msg.ChargePointErrorCodeNoError, connectorID)
}

func (d *Device) ActionStatusUpdateOCPP(ctx context.Context, status msg.ChargePointStatus, errCode msg.ChargePointErrorCode, connectorID int) bool {
	action := msg.ActionStatusNotification
	d.log.Info().Str("action", string(action)).Msg("action start")
	req := msg.StatusNotificationRequest{ConnectorId: connectorID, ErrorCode: errCode, Status: status}
	if _, err := d.request(ctx, action, req); err != nil {
		d.fail(action, err)
		return false
	}
	d.log.Info().Str("action", string(action)).Msg("action end")
	return true
}

// ActionAuthorize sends Authorize and requires AuthorizationStatusAccepted.
func (d *Device) ActionAuthorize(ctx context.Context, idTag string) bool {
	action := msg.ActionAuthorize
	d.log.Info().Str("action", string(action)).Msg("action start")
	if idTag == "" {
		idTag = "-"
	}
	raw, err := d.request(ctx, action, msg.AuthorizeRequest{IdTag: idTag})
	if err != nil {
		d.fail(action, err)
		return false
	}
	var resp msg.AuthorizeResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil || resp.IdTagInfo.Status != msg.AuthorizationStatusAccepted {
		d.fail(action, fmt.Errorf("response rejected or malformed: %s", string(raw)))
		return false
	}
	d.log.Info().Str("action", string(action)).Msg("action end")
	return true
}

// ActionChargeStart sends StartTransaction, binds the session to the
// server-assigned transaction id, and requires idTagInfo.status Accepted.
func (d *Device) ActionChargeStart(ctx context.Context, opts *flow.Options) bool {
	action := msg.ActionStartTransaction
	d.log.Info().Str("action", string(action)).Msg("action start")

	idTag := opts.IDTag
	if idTag == "" {
		idTag = "-"
	}
	connectorID := opts.ConnectorID
	if connectorID == 0 {
		connectorID = 1
	}
	meterStart := opts.MeterStart
	if meterStart == 0 {
		meterStart = 1000
	}
	startTime := opts.ChargeStartTime
	if startTime.IsZero() {
		startTime = utcnowISO()
	}

	req := msg.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  int(meterStart),
		Timestamp:   msg.DateTime{Time: startTime},
	}
	raw, err := d.request(ctx, action, req)
	if err != nil {
		d.fail(action, err)
		return false
	}
	var resp msg.StartTransactionResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil || resp.IdTagInfo.Status != msg.AuthorizationStatusAccepted {
		d.fail(action, fmt.Errorf("response rejected or malformed: %s", string(raw)))
		return false
	}
	d.sess.Activate(strconv.Itoa(resp.TransactionId), meterStart, startTime)
	d.log.Info().Str("action", string(action)).Msg("action end")
	return true
}

// ActionMeterValue sends MeterValues for the current session, pinned to an
// override value/timestamp when opts carries one (scripted mode).
func (d *Device) ActionMeterValue(ctx context.Context, opts *flow.Options) bool {
	action := msg.ActionMeterValues
	d.log.Info().Str("action", string(action)).Msg("action start")

	now := utcnowISO()
	value := d.sess.MeterNow(now)
	if opts.MeterValueOverride != nil {
		value = *opts.MeterValueOverride
	}
	if opts.TimestampOverride != nil {
		now = *opts.TimestampOverride
	}
	connectorID := opts.ConnectorID
	if connectorID == 0 {
		connectorID = 1
	}
	txID, _ := strconv.Atoi(d.sess.TransactionID)

	req := msg.MeterValuesRequest{
		ConnectorId:   connectorID,
		TransactionId: &txID,
		MeterValue: []msg.MeterValue{{
			Timestamp: msg.DateTime{Time: now},
			SampledValue: []msg.SampledValue{{
				Value:     strconv.FormatInt(value, 10),
				Context:   contextPtr(msg.ReadingContextSamplePeriodic),
				Measurand: measurandPtr(msg.MeasurandEnergyActiveImportRegister),
				Location:  locationPtr(msg.LocationOutlet),
				Unit:      unitPtr(msg.UnitOfMeasureKWh),
			}},
		}},
	}
	if _, err := d.request(ctx, action, req); err != nil {
		d.fail(action, err)
		return false
	}
	d.log.Info().Str("action", string(action)).Msg("action end")
	return true
}

func contextPtr(v msg.ReadingContext) *msg.ReadingContext { return &v }
func measurandPtr(v msg.Measurand) *msg.Measurand         { return &v }
func locationPtr(v msg.Location) *msg.Location            { return &v }
func unitPtr(v msg.UnitOfMeasure) *msg.UnitOfMeasure       { return &v }

// ActionChargeStop sends StopTransaction and requires idTagInfo.status
// Accepted when idTagInfo is present in the response (spec.md's dialect
// leaves it optional).
func (d *Device) ActionChargeStop(ctx context.Context, opts *flow.Options, reason msg.Reason) bool {
	action := msg.ActionStopTransaction
	d.log.Info().Str("action", string(action)).Msg("action start")

	idTag := opts.IDTag
	if idTag == "" {
		idTag = "-"
	}
	stopTime := opts.ChargeStopTime
	if stopTime.IsZero() {
		stopTime = utcnowISO()
	}
	meterStop := opts.MeterStop
	if meterStop == 0 {
		meterStop = d.sess.MeterNow(stopTime)
	}
	txID, _ := strconv.Atoi(d.sess.TransactionID)

	req := msg.StopTransactionRequest{
		IdTag:         &idTag,
		MeterStop:     int(meterStop),
		Timestamp:     msg.DateTime{Time: stopTime},
		TransactionId: txID,
		Reason:        &reason,
	}
	raw, err := d.request(ctx, action, req)
	if err != nil {
		d.fail(action, err)
		return false
	}
	var resp msg.StopTransactionResponse
	if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil {
		d.fail(action, fmt.Errorf("malformed response: %s", string(raw)))
		return false
	}
	if resp.IdTagInfo != nil && resp.IdTagInfo.Status != msg.AuthorizationStatusAccepted {
		d.fail(action, fmt.Errorf("response rejected: %s", string(raw)))
		return false
	}
	d.log.Info().Str("action", string(action)).Msg("action end")
	return true
}

// --- flow.FlowDevice ---

func (d *Device) FlowHeartbeat(ctx context.Context) bool {
	return d.ActionHeartbeat(ctx)
}

func (d *Device) FlowAuthorize(ctx context.Context, opts *flow.Options) bool {
	return d.ActionAuthorize(ctx, opts.IDTag)
}

// FlowCharge implements the 1.6 Preparing/Charging/Finishing status
// sequence (spec.md §4.5, dialect-specific step order).
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
	if !d.ActionChargeStart(ctx, opts) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, msg.ChargePointStatusPreparing, opts.ConnectorID) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, msg.ChargePointStatusCharging, opts.ConnectorID) {
		d.sess.Reset()
		return false
	}
	if !flow.RunOngoingLoop(ctx, d, autoStop, opts) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, msg.ChargePointStatusFinishing, opts.ConnectorID) {
		d.sess.Reset()
		return false
	}
	if !d.ActionChargeStop(ctx, opts, msg.ReasonLocal) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, msg.ChargePointStatusAvailable, opts.ConnectorID) {
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
	return d.ActionStatusUpdate(ctx, msg.ChargePointStatusCharging, opts.ConnectorID)
}

func (d *Device) EmitScriptedMeterValue(ctx context.Context, meterValue int64, timestamp time.Time) bool {
	opts := &flow.Options{MeterValueOverride: &meterValue, TimestampOverride: &timestamp}
	return d.ActionMeterValue(ctx, opts)
}

// --- inbound dispatch (spec.md §4.4) ---

// genericAccepted is the set of server-to-device requests this dialect
// answers with a bare {"status":"Accepted"} and no further side effect.
var genericAccepted = map[string]bool{
	"clearcache":             true,
	"changeavailability":     true,
	"setchargingprofile":     true,
	"changeconfiguration":    true,
	"unlockconnector":        true,
	"updatefirmware":         true,
	"sendlocallist":          true,
	"cancelreservation":      true,
	"reservenow":             true,
	"datatransfer":           true,
	"requeststarttransaction": true,
	"requeststoptransaction":  true,
}

// HandleInbound satisfies engine.InboundHandler. Side effects that must not
// block the reader loop (RemoteStart/RemoteStop/Reset/TriggerMessage) are
// handed to spawn, which the Simulator wires to its flow.Orchestrator.
func (d *Device) HandleInbound(spawn func(name string, fn func() bool, delay time.Duration)) engine.InboundHandler {
	return func(ctx context.Context, id, action string, payload json.RawMessage) (interface{}, bool) {
		lower := lowerASCII(action)

		if genericAccepted[lower] {
			return msg.GenericStatusResponse{Status: "Accepted"}, false
		}

		switch lower {
		case "getconfiguration":
			return msg.GetConfigurationResponse{
				ConfigurationKey: []msg.KeyValue{
					{Key: "type", Value: strPtr("device-simulator"), Readonly: true},
					{Key: "identifier", Value: strPtr(d.id), Readonly: false},
				},
			}, false

		case "getdiagnostics":
			return msg.GetDiagnosticsResponse{FileName: strPtr("fake_file_name.log")}, false

		case "reset":
			spawn("reset", func() bool { return true }, 2*time.Second)
			return msg.ResetResponse{Status: msg.ResetStatusAccepted}, false

		case "remotestarttransaction":
			var req msg.RemoteStartTransactionRequest
			_ = json.Unmarshal(payload, &req)
			if err := d.validator.ValidateStruct(req); err != nil {
				d.log.Warn().Err(err).Str("action", action).Msg("ocpp16: rejecting malformed inbound request")
				return msg.RemoteStartTransactionResponse{Status: msg.RemoteStartStopStatusRejected}, false
			}
			if !d.sess.CanStart() {
				return msg.RemoteStartTransactionResponse{Status: msg.RemoteStartStopStatusRejected}, false
			}
			connectorID := 0
			if req.ConnectorId != nil {
				connectorID = *req.ConnectorId
			}
			opts := &flow.Options{IDTag: req.IdTag, ConnectorID: connectorID, IsRemoteStarted: true}
			spawn("remote-start", func() bool { return d.FlowCharge(ctx, false, opts) }, 2*time.Second)
			return msg.RemoteStartTransactionResponse{Status: msg.RemoteStartStopStatusAccepted}, false

		case "remotestoptransaction":
			var req msg.RemoteStopTransactionRequest
			_ = json.Unmarshal(payload, &req)
			if err := d.validator.ValidateStruct(req); err != nil {
				d.log.Warn().Err(err).Str("action", action).Msg("ocpp16: rejecting malformed inbound request")
				return msg.RemoteStopTransactionResponse{Status: msg.RemoteStartStopStatusRejected}, false
			}
			if !d.sess.CanStop(strconv.Itoa(req.TransactionId)) {
				return msg.RemoteStopTransactionResponse{Status: msg.RemoteStartStopStatusRejected}, false
			}
			spawn("remote-stop", func() bool { d.sess.BeginStopping(); return true }, 2*time.Second)
			return msg.RemoteStopTransactionResponse{Status: msg.RemoteStartStopStatusAccepted}, false

		case "triggermessage":
			var req msg.TriggerMessageRequest
			_ = json.Unmarshal(payload, &req)
			if err := d.validator.ValidateStruct(req); err != nil {
				d.log.Warn().Err(err).Str("action", action).Msg("ocpp16: rejecting malformed inbound request")
				return msg.TriggerMessageResponse{Status: msg.TriggerMessageStatusRejected}, false
			}
			connectorID := 0
			if req.ConnectorId != nil {
				connectorID = *req.ConnectorId
			}
			switch req.RequestedMessage {
			case msg.MessageTriggerMeterValues:
				spawn("trigger-metervalues", func() bool { return d.ActionMeterValue(ctx, &flow.Options{ConnectorID: connectorID}) }, 0)
			case msg.MessageTriggerBootNotification:
				spawn("trigger-boot", func() bool { return d.ActionRegister(ctx) }, 0)
			case msg.MessageTriggerHeartbeat:
				spawn("trigger-heartbeat", func() bool { return d.ActionHeartbeat(ctx) }, 0)
			case msg.MessageTriggerStatusNotification:
				status := msg.ChargePointStatusAvailable
				if d.sess.InProgress() {
					status = msg.ChargePointStatusCharging
				}
				spawn("trigger-status", func() bool { return d.ActionStatusUpdate(ctx, status, connectorID) }, 0)
			}
			return msg.TriggerMessageResponse{Status: msg.TriggerMessageStatusAccepted}, false
		}

		d.log.Warn().Str("action", action).Msg("ocpp16: unknown or unsupported inbound request")
		return nil, true
	}
}

func strPtr(s string) *string { return &s }

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
