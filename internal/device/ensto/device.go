// Package ensto implements the proprietary Ensto Device (spec.md §4.4):
// numeric action ids over the key/value codec, the "1"/"0" status values,
// and the inbound numeric dispatch table. Grounded on
// device/ensto/device_ensto.py in the Python original.
//
// Ensto frames carry no request/response kind tag (spec.md §4.2): the
// engine classifies every inbound frame as wire.KindAmbiguous and tries
// pending-request correlation before falling back to HandleInbound.
package ensto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/codec/ensto"
	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/engine"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
	"github.com/charging-platform/charge-point-simulator/internal/wire"
)

// Numeric action ids (spec.md §4.4 / device_ensto.py).
const (
	idRegister    = 1
	idHeartbeat   = 24
	idStatus      = 2
	idAuthorize   = 10
	idChargeStart = 5
	idMeterValue  = 43
	idChargeStop  = 6
)

// Identity carries the optional register() fields.
type Identity struct {
	Vendor *string
	Model  *string
	Sw     *string
}

type Device struct {
	id                   string
	serverHost           string
	serverPort           int
	identity             Identity
	registerOnInitialize bool

	sess *session.Session
	eng  *engine.Engine
	log  zerolog.Logger
	emit func(errevent.Event)
}

func New(id, serverHost string, serverPort int, identity Identity, registerOnInitialize bool, log zerolog.Logger, emit func(errevent.Event)) *Device {
	return &Device{
		id:                   id,
		serverHost:           serverHost,
		serverPort:           serverPort,
		identity:             identity,
		registerOnInitialize: registerOnInitialize,
		sess:                 &session.Session{},
		log:                  log,
		emit:                 emit,
	}
}

func (d *Device) AttachEngine(eng *engine.Engine) { d.eng = eng }
func (d *Device) Session() *session.Session       { return d.sess }
func (d *Device) RegisterOnInitialize() bool       { return d.registerOnInitialize }

// Decode implements engine.Decoder: every Ensto line decodes to a
// wire.Message whose Kind is always Ambiguous, ID/Action are both the
// numeric `id` field, and Payload is the frame's fields re-encoded as a
// JSON object so action methods can unmarshal into typed response shapes.
func Decode(line []byte) (wire.Message, bool, error) {
	frame := ensto.Decode(line)
	id, ok := frame.Get("id")
	if !ok {
		return wire.Message{}, false, nil
	}
	payload, err := json.Marshal(frameToMap(frame))
	if err != nil {
		return wire.Message{}, false, fmt.Errorf("ensto: marshal frame: %w", err)
	}
	return wire.Message{Kind: wire.KindAmbiguous, ID: id, Action: id, Payload: payload}, true, nil
}

func frameToMap(f ensto.Frame) map[string]*string {
	m := make(map[string]*string, len(f))
	for k, v := range f {
		m[k] = v
	}
	return m
}

// EncodeResponse implements engine.ResponseEncoder: payload must be a
// []ensto.Field, the id field is injected automatically (spec.md §4.4,
// "resp_payload[id] = req_action").
func (d *Device) EncodeResponse(id string, payload interface{}) ([]byte, error) {
	fields, ok := payload.([]ensto.Field)
	if !ok {
		return nil, fmt.Errorf("ensto: inbound response must be []ensto.Field, got %T", payload)
	}
	withID := append([]ensto.Field{ensto.Str("id", id)}, fields...)
	return ensto.Encode(d.id, withID...), nil
}

func (d *Device) request(ctx context.Context, action string, id int, fields ...ensto.Field) (map[string]*string, error) {
	idStr := strconv.Itoa(id)
	allFields := append([]ensto.Field{{Key: "id", Value: &idStr}}, fields...)
	frame := ensto.Encode(d.id, allFields...)
	raw, err := d.eng.Request(ctx, idStr, action, frame, nil)
	if err != nil {
		return nil, err
	}
	var m map[string]*string
	if jsonErr := json.Unmarshal(raw, &m); jsonErr != nil {
		return nil, fmt.Errorf("ensto: %s: malformed response: %w", action, jsonErr)
	}
	return m, nil
}

func hasKeys(m map[string]*string, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func (d *Device) fail(action string, err error) {
	d.emit(errevent.Event{Kind: classify(err), Description: fmt.Sprintf("action %s failed: %v", action, err)})
}

func (d *Device) failResponse(action string, m map[string]*string) {
	raw, _ := json.Marshal(m)
	d.emit(errevent.Event{Kind: errevent.KindInvalidResponse, Description: fmt.Sprintf("action %s response failed: %s", action, string(raw))})
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

func (d *Device) ActionRegister(ctx context.Context) bool {
	d.log.Info().Str("action", "register").Msg("action start")
	resp, err := d.request(ctx, "register", idRegister,
		ensto.Null("settings"),
		optionalStr("vendor", d.identity.Vendor),
		optionalStr("model", d.identity.Model),
		optionalStr("sw", d.identity.Sw),
		ensto.Int("isLoadTest", 1),
	)
	if err != nil {
		d.fail("register", err)
		return false
	}
	if !hasKeys(resp, "chk", "uv") {
		d.failResponse("register", resp)
		return false
	}
	d.log.Info().Str("action", "register").Msg("action end")
	return true
}

func optionalStr(key string, v *string) ensto.Field {
	if v == nil {
		return ensto.Null(key)
	}
	return ensto.Str(key, *v)
}

func (d *Device) ActionHeartbeat(ctx context.Context) bool {
	d.log.Info().Str("action", "heart_beat").Msg("action start")
	resp, err := d.request(ctx, "heart_beat", idHeartbeat, ensto.Int("time", 1))
	if err != nil {
		d.fail("heart_beat", err)
		return false
	}
	if !hasKeys(resp, "chk", "time") {
		d.failResponse("heart_beat", resp)
		return false
	}
	d.log.Info().Str("action", "heart_beat").Msg("action end")
	return true
}

// ActionStatusUpdate sends status_update with status "1" (in session) or
// "0" (idle), the Ensto equivalent of OCPP's ChargePointStatus.
func (d *Device) ActionStatusUpdate(ctx context.Context, status string) bool {
	d.log.Info().Str("action", "status_update").Msg("action start")
	resp, err := d.request(ctx, "status_update", idStatus, ensto.Null("ping"), ensto.Str("status", status))
	if err != nil {
		d.fail("status_update", err)
		return false
	}
	if !hasKeys(resp, "chk", "ack") {
		d.failResponse("status_update", resp)
		return false
	}
	d.log.Info().Str("action", "status_update").Msg("action end")
	return true
}

func (d *Device) ActionAuthorize(ctx context.Context, idTag string) bool {
	if idTag == "" {
		idTag = "-"
	}
	d.log.Info().Str("action", "authorize").Msg("action start")
	resp, err := d.request(ctx, "authorize", idAuthorize, ensto.Str("rfid", idTag))
	if err != nil {
		d.fail("authorize", err)
		return false
	}
	if !hasKeys(resp, "chk", "success") {
		d.failResponse("authorize", resp)
		return false
	}
	d.log.Info().Str("action", "authorize").Msg("action end")
	return true
}

func (d *Device) ActionChargeStart(ctx context.Context, opts *flow.Options) bool {
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
		startTime = time.Now().UTC()
	}

	d.log.Info().Str("action", "charge_start").Msg("action start")
	resp, err := d.request(ctx, "charge_start", idChargeStart,
		ensto.Str("rfid", idTag),
		ensto.Int("chg", 2),
		ensto.Int("out", connectorID),
	)
	if err != nil {
		d.fail("charge_start", err)
		return false
	}
	if !hasKeys(resp, "chk", "ack") {
		d.failResponse("charge_start", resp)
		return false
	}
	d.sess.Activate("", meterStart, startTime)
	d.log.Info().Str("action", "charge_start").Msg("action end")
	return true
}

func (d *Device) ActionMeterValue(ctx context.Context, opts *flow.Options) bool {
	connectorID := opts.ConnectorID
	if connectorID == 0 {
		connectorID = 1
	}
	current := d.sess.MeterNow(time.Now().UTC())
	if opts.MeterValueOverride != nil {
		current = *opts.MeterValueOverride
	}
	eem := current - d.sess.MeterStart

	d.log.Info().Str("action", "meter_value").Msg("action start")
	resp, err := d.request(ctx, "meter_value", idMeterValue,
		ensto.Int("out", connectorID),
		ensto.Str("time", fmt.Sprintf("%d", time.Now().Unix())),
		ensto.Int("t", 382),
		ensto.Int("eem", int(eem)),
	)
	if err != nil {
		d.fail("meter_value", err)
		return false
	}
	if !hasKeys(resp, "chk", "ack") {
		d.failResponse("meter_value", resp)
		return false
	}
	d.log.Info().Str("action", "meter_value").Msg("action end")
	return true
}

func (d *Device) ActionChargeStop(ctx context.Context, opts *flow.Options) bool {
	idTag := opts.IDTag
	if idTag == "" {
		idTag = "-"
	}
	connectorID := opts.ConnectorID
	if connectorID == 0 {
		connectorID = 1
	}
	current := d.sess.MeterNow(time.Now().UTC())
	kwh := float64(current-d.sess.MeterStart) / 1000

	d.log.Info().Str("action", "charge_stop").Msg("action start")
	resp, err := d.request(ctx, "charge_stop", idChargeStop,
		ensto.Str("rfid", idTag),
		ensto.Int("chg", 0),
		ensto.Int("out", connectorID),
		ensto.Str("kwh", fmt.Sprintf("%g", kwh)),
		ensto.Str("timestamp", time.Now().UTC().Format(time.RFC3339)),
	)
	if err != nil {
		d.fail("charge_stop", err)
		return false
	}
	if !hasKeys(resp, "chk", "ack") {
		d.failResponse("charge_stop", resp)
		return false
	}
	d.log.Info().Str("action", "charge_stop").Msg("action end")
	return true
}

// --- flow.FlowDevice ---

func (d *Device) FlowHeartbeat(ctx context.Context) bool { return d.ActionHeartbeat(ctx) }

func (d *Device) FlowAuthorize(ctx context.Context, opts *flow.Options) bool {
	return d.ActionAuthorize(ctx, opts.IDTag)
}

// FlowCharge sends status "1" twice (before and after charge_start) and
// "0" once before charge_stop, with no final status — the dialect
// variation spec.md §4.5 calls out for Ensto.
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
	if !d.ActionStatusUpdate(ctx, "1") {
		d.sess.Reset()
		return false
	}
	if !d.ActionChargeStart(ctx, opts) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, "1") {
		d.sess.Reset()
		return false
	}
	if !flow.RunOngoingLoop(ctx, d, autoStop, opts) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, "0") {
		d.sess.Reset()
		return false
	}
	if !d.ActionChargeStop(ctx, opts) {
		d.sess.Reset()
		return false
	}
	d.sess.Reset()
	return true
}

// --- flow.OngoingActionsDevice ---

// ChargeOngoingActions sends meter_value then a status "1" ping
// (flow_charge_ongoing_actions in the Python original ANDs both calls),
// or only the status ping when AutoActionsLoopDisableMeterValues is set.
func (d *Device) ChargeOngoingActions(ctx context.Context, opts *flow.Options) bool {
	if !opts.AutoActionsLoopDisableMeterValues && !d.ActionMeterValue(ctx, opts) {
		return false
	}
	return d.ActionStatusUpdate(ctx, "1")
}

func (d *Device) EmitScriptedMeterValue(ctx context.Context, meterValue int64, timestamp time.Time) bool {
	opts := &flow.Options{MeterValueOverride: &meterValue, TimestampOverride: &timestamp}
	return d.ActionMeterValue(ctx, opts)
}

// --- inbound dispatch (spec.md §4.4, numeric action ids) ---

// HandleInbound satisfies engine.InboundHandler, keyed by the numeric
// action string carried in both ID and Action (Ensto has no separate
// action name). spawn hands off RemoteStart/RemoteStop/re-initialize side
// effects without blocking the reader loop.
func (d *Device) HandleInbound(spawn func(name string, fn func() bool, delay time.Duration)) engine.InboundHandler {
	return func(ctx context.Context, id, action string, payload json.RawMessage) (interface{}, bool) {
		var frame map[string]*string
		_ = json.Unmarshal(payload, &frame)

		switch action {
		case "20", "17": // OutOfOrder, HatchOpen
			return []ensto.Field{ensto.Str("ack", "1")}, false

		case "11": // ChargingRequestByServer
			scmd := "-1"
			if v, ok := frame["scmd"]; ok && v != nil {
				scmd = *v
			}
			switch scmd {
			case "1":
				if !d.sess.CanStart() {
					return []ensto.Field{ensto.Str("nack", "1")}, false
				}
				idTag := "-"
				if v, ok := frame["idtag"]; ok && v != nil {
					idTag = *v
				}
				opts := &flow.Options{IDTag: idTag, IsRemoteStarted: true}
				spawn("remote-start", func() bool { return d.FlowCharge(ctx, false, opts) }, 2*time.Second)
				return []ensto.Field{ensto.Str("ack", "1")}, false
			case "0":
				if !d.sess.CanStop("-1") {
					return []ensto.Field{ensto.Str("nack", "1")}, false
				}
				spawn("remote-stop", func() bool { d.sess.BeginStopping(); return true }, 2*time.Second)
				return []ensto.Field{ensto.Str("ack", "1")}, false
			default:
				return []ensto.Field{ensto.Str("nack", "1")}, false
			}

		case "42": // Restart
			spawn("re-initialize", func() bool { return true }, 2*time.Second)
			return []ensto.Field{ensto.Str("ack", "1")}, false

		case "14", "15": // SettingsGprs / SettingsByServer
			isConfigChange := fieldEquals(frame, "gprs", "2") || fieldEquals(frame, "settings", "2")
			if isConfigChange {
				if fieldEquals(frame, "upd", "1") {
					return []ensto.Field{ensto.Str("upd", "1")}, false
				}
				return []ensto.Field{ensto.Str("ack", "1")}, false
			}
			return []ensto.Field{
				ensto.Str("type", "device-simulator"),
				ensto.Str("server_host", d.serverHost),
				ensto.Int("server_port", d.serverPort),
				ensto.Str("identifier", d.id),
			}, false
		}

		d.log.Warn().Str("action", action).Msg("ensto: unknown or unsupported inbound request")
		return nil, true
	}
}

func fieldEquals(frame map[string]*string, key, want string) bool {
	v, ok := frame[key]
	return ok && v != nil && *v == want
}
