// Package ocppsoap implements the OCPP-S (SOAP) Device (spec.md §4.4):
// strictly synchronous request/response over soaptransport.Client, no
// ProtocolEngine, no correlation table, and no server-to-device request
// pump — spec.md §9/§7 both call the SOAP inbound path "a known
// limitation of the source" that re-implementers may omit. Grounded on
// device/ocpp_s/device_ocpp_s.py in the Python original, reusing the
// OCPP-J 1.6 action/status vocabulary it shares with device_ocpp_j16.py.
package ocppsoap

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
	"github.com/charging-platform/charge-point-simulator/internal/transport/soaptransport"
)

// Identity carries the optional BootNotification fields (spec.md §6's
// spec_* keys, shared with the OCPP-J 1.6 schema).
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

type Device struct {
	id                   string
	identity             Identity
	registerOnInitialize bool

	client *soaptransport.Client
	sess   *session.Session
	log    zerolog.Logger
	emit   func(errevent.Event)
}

func New(id string, identity Identity, registerOnInitialize bool, client *soaptransport.Client, log zerolog.Logger, emit func(errevent.Event)) *Device {
	return &Device{
		id:                   id,
		identity:             identity,
		registerOnInitialize: registerOnInitialize,
		client:               client,
		sess:                 &session.Session{},
		log:                  log,
		emit:                 emit,
	}
}

func (d *Device) Session() *session.Session { return d.sess }

func (d *Device) RegisterOnInitialize() bool { return d.registerOnInitialize }

func (d *Device) fail(action string, err error) {
	d.emit(errevent.Event{Kind: errevent.KindInvalidResponse, Description: fmt.Sprintf("action %s failed: %v", action, err)})
}

func (d *Device) call(ctx context.Context, action string, body interface{}, out interface{}) error {
	bodyXML, err := xml.Marshal(body)
	if err != nil {
		return fmt.Errorf("ocppsoap: marshal %s request: %w", action, err)
	}
	respXML, err := d.client.Call(ctx, d.id, action, bodyXML)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(respXML, out); err != nil {
		return fmt.Errorf("ocppsoap: unmarshal %s response: %w", action, err)
	}
	return nil
}

// --- request/response XML shapes (device_ocpp_s.py's action payloads) ---

type bootNotificationRequest struct {
	XMLName                 xml.Name `xml:"bootNotificationRequest"`
	ChargePointVendor       string   `xml:"chargePointVendor"`
	ChargePointModel        string   `xml:"chargePointModel"`
	ChargePointSerialNumber string   `xml:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string   `xml:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string   `xml:"firmwareVersion,omitempty"`
	Iccid                   string   `xml:"iccid,omitempty"`
	Imsi                    string   `xml:"imsi,omitempty"`
	MeterType               string   `xml:"meterType,omitempty"`
	MeterSerialNumber       string   `xml:"meterSerialNumber,omitempty"`
}

type bootNotificationResponse struct {
	Status string `xml:"status"`
}

type heartbeatRequest struct {
	XMLName xml.Name `xml:"heartbeatRequest"`
}

type heartbeatResponse struct {
	CurrentTime string `xml:"currentTime"`
}

type statusNotificationRequest struct {
	XMLName     xml.Name `xml:"statusNotificationRequest"`
	ConnectorId int      `xml:"connectorId"`
	ErrorCode   string   `xml:"errorCode"`
	Status      string   `xml:"status"`
}

type authorizeRequest struct {
	XMLName xml.Name `xml:"authorizeRequest"`
	IdTag   string   `xml:"idTag"`
}

type idTagInfo struct {
	Status string `xml:"status"`
}

type authorizeResponse struct {
	IdTagInfo idTagInfo `xml:"idTagInfo"`
}

type startTransactionRequest struct {
	XMLName     xml.Name `xml:"startTransactionRequest"`
	ConnectorId int      `xml:"connectorId"`
	IdTag       string   `xml:"idTag"`
	MeterStart  int      `xml:"meterStart"`
	Timestamp   string   `xml:"timestamp"`
}

type startTransactionResponse struct {
	TransactionId int       `xml:"transactionId"`
	IdTagInfo     idTagInfo `xml:"idTagInfo"`
}

type meterValue struct {
	Value     int64  `xml:"value"`
	Context   string `xml:"context"`
	Measurand string `xml:"measurand"`
	Location  string `xml:"location"`
	Unit      string `xml:"unit"`
}

type meterValuesValue struct {
	Timestamp string     `xml:"timestamp"`
	Value     meterValue `xml:"value"`
}

type meterValuesRequest struct {
	XMLName       xml.Name           `xml:"meterValuesRequest"`
	ConnectorId   int                `xml:"connectorId"`
	TransactionId int                `xml:"transactionId"`
	Values        []meterValuesValue `xml:"values"`
}

type stopTransactionRequest struct {
	XMLName       xml.Name `xml:"stopTransactionRequest"`
	TransactionId int      `xml:"transactionId"`
	IdTag         string   `xml:"idTag"`
	MeterStop     int64    `xml:"meterStop"`
	Timestamp     string   `xml:"timestamp"`
}

type stopTransactionResponse struct {
	Status string `xml:"status"`
}

func utcnowISO() string { return time.Now().UTC().Format(time.RFC3339) }
func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// ActionRegister sends BootNotification.
func (d *Device) ActionRegister(ctx context.Context) bool {
	action := "BootNotification"
	d.log.Info().Str("action", action).Msg("action start")
	req := bootNotificationRequest{
		ChargePointVendor:       derefOr(d.identity.ChargePointVendor, ""),
		ChargePointModel:        derefOr(d.identity.ChargePointModel, ""),
		ChargePointSerialNumber: derefOr(d.identity.ChargePointSerialNumber, ""),
		ChargeBoxSerialNumber:   derefOr(d.identity.ChargeBoxSerialNumber, ""),
		FirmwareVersion:         derefOr(d.identity.FirmwareVersion, ""),
		Iccid:                   derefOr(d.identity.Iccid, ""),
		Imsi:                    derefOr(d.identity.Imsi, ""),
		MeterType:               derefOr(d.identity.MeterType, ""),
		MeterSerialNumber:       derefOr(d.identity.MeterSerialNumber, ""),
	}
	var resp bootNotificationResponse
	if err := d.call(ctx, action, req, &resp); err != nil || resp.Status != "Accepted" {
		d.fail(action, fmt.Errorf("rejected or failed: %v", err))
		return false
	}
	d.log.Info().Str("action", action).Msg("action end")
	return true
}

func (d *Device) ActionHeartbeat(ctx context.Context) bool {
	action := "Heartbeat"
	d.log.Info().Str("action", action).Msg("action start")
	var resp heartbeatResponse
	if err := d.call(ctx, action, heartbeatRequest{}, &resp); err != nil {
		d.fail(action, err)
		return false
	}
	d.log.Info().Str("action", action).Msg("action end")
	return true
}

func (d *Device) ActionStatusUpdate(ctx context.Context, status string, connectorID int) bool {
	action := "StatusNotification"
	req := statusNotificationRequest{ConnectorId: connectorID, ErrorCode: "NoError", Status: status}
	if err := d.call(ctx, action, req, nil); err != nil {
		d.fail(action, err)
		return false
	}
	return true
}

func (d *Device) ActionAuthorize(ctx context.Context, idTag string) bool {
	action := "Authorize"
	if idTag == "" {
		idTag = "-"
	}
	var resp authorizeResponse
	if err := d.call(ctx, action, authorizeRequest{IdTag: idTag}, &resp); err != nil || resp.IdTagInfo.Status != "Accepted" {
		d.fail(action, fmt.Errorf("rejected or failed: %v", err))
		return false
	}
	return true
}

func (d *Device) ActionChargeStart(ctx context.Context, opts *flow.Options) bool {
	action := "StartTransaction"
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
	req := startTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  int(meterStart),
		Timestamp:   startTime.Format(time.RFC3339),
	}
	var resp startTransactionResponse
	if err := d.call(ctx, action, req, &resp); err != nil || resp.IdTagInfo.Status != "Accepted" {
		d.fail(action, fmt.Errorf("rejected or failed: %v", err))
		return false
	}
	d.sess.Activate(strconv.Itoa(resp.TransactionId), meterStart, startTime)
	return true
}

func (d *Device) ActionMeterValue(ctx context.Context, opts *flow.Options) bool {
	action := "MeterValues"
	now := time.Now().UTC()
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
	req := meterValuesRequest{
		ConnectorId:   connectorID,
		TransactionId: txID,
		Values: []meterValuesValue{{
			Timestamp: now.Format(time.RFC3339),
			Value: meterValue{
				Value:     value,
				Context:   "Sample.Periodic",
				Measurand: "Energy.Active.Import.Register",
				Location:  "Outlet",
				Unit:      "kWh",
			},
		}},
	}
	if err := d.call(ctx, action, req, nil); err != nil {
		d.fail(action, err)
		return false
	}
	return true
}

func (d *Device) ActionChargeStop(ctx context.Context, opts *flow.Options) bool {
	action := "StopTransaction"
	idTag := opts.IDTag
	if idTag == "" {
		idTag = "-"
	}
	stopTime := opts.ChargeStopTime
	if stopTime.IsZero() {
		stopTime = time.Now().UTC()
	}
	meterStop := opts.MeterStop
	if meterStop == 0 {
		meterStop = d.sess.MeterNow(stopTime)
	}
	txID, _ := strconv.Atoi(d.sess.TransactionID)
	req := stopTransactionRequest{
		TransactionId: txID,
		IdTag:         idTag,
		MeterStop:     meterStop,
		Timestamp:     stopTime.Format(time.RFC3339),
	}
	var resp stopTransactionResponse
	if err := d.call(ctx, action, req, &resp); err != nil || resp.Status != "Accepted" {
		d.fail(action, fmt.Errorf("rejected or failed: %v", err))
		return false
	}
	return true
}

// --- flow.FlowDevice ---

func (d *Device) FlowHeartbeat(ctx context.Context) bool { return d.ActionHeartbeat(ctx) }

func (d *Device) FlowAuthorize(ctx context.Context, opts *flow.Options) bool {
	return d.ActionAuthorize(ctx, opts.IDTag)
}

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
	if !d.ActionStatusUpdate(ctx, "Preparing", opts.ConnectorID) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, "Charging", opts.ConnectorID) {
		d.sess.Reset()
		return false
	}
	if !flow.RunOngoingLoop(ctx, d, autoStop, opts) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, "Finishing", opts.ConnectorID) {
		d.sess.Reset()
		return false
	}
	if !d.ActionChargeStop(ctx, opts) {
		d.sess.Reset()
		return false
	}
	if !d.ActionStatusUpdate(ctx, "Available", opts.ConnectorID) {
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
	return d.ActionStatusUpdate(ctx, "Charging", opts.ConnectorID)
}

func (d *Device) EmitScriptedMeterValue(ctx context.Context, meterValue int64, timestamp time.Time) bool {
	opts := &flow.Options{MeterValueOverride: &meterValue, TimestampOverride: &timestamp}
	return d.ActionMeterValue(ctx, opts)
}
