// Package soaptransport implements the OCPP-S Transport: a synchronous
// HTTP SOAP request/response client (spec.md §4.1). Unlike the WebSocket
// and TCP transports there is no reader loop — OCPP-S is strictly
// request-response via the generated service client, and server-to-device
// requests are not decoded (spec.md §9 design note: "the placeholder
// start_soap_server is not implemented"). Grounded on
// device/ocpp_s/device_ocpp_s.py and wsa_extension_plugin.py in the Python
// original, which layers zeep's WSDL client with a WS-Addressing header
// plugin; here the same envelope shape is built directly with
// encoding/xml since no Go WSDL codegen tool is in the example pack.
package soaptransport

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/domain/connection"
)

type Config struct {
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// envelope is the minimal SOAP 1.1 + WS-Addressing shape the OCPP 1.5/1.6
// SOAP binding requires: a <wsa:Action>/<wsa:From>/<wsa:MessageID> header
// block (wsa_extension_plugin.py) wrapping an arbitrary action body.
type envelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	XMLNSS  string   `xml:"xmlns:soap,attr"`
	XMLNSW  string   `xml:"xmlns:wsa,attr"`
	Header  envHeader
	Body    envBody
}

type envHeader struct {
	XMLName         xml.Name `xml:"soap:Header"`
	Action          string   `xml:"wsa:Action"`
	MessageID       string   `xml:"wsa:MessageID"`
	From            envFrom  `xml:"wsa:From"`
	ChargeBoxID     string   `xml:"chargeBoxIdentity"`
}

type envFrom struct {
	Address string `xml:"wsa:Address"`
}

type envBody struct {
	XMLName xml.Name `xml:"soap:Body"`
	Content []byte   `xml:",innerxml"`
}

// Client performs one synchronous SOAP call per outbound action. It
// implements neither transport.Transport's ReceiveFrame/Closed contract
// (there is nothing to watch) — the engine layer for OCPP-S bypasses
// ProtocolEngine entirely and calls Client.Call directly (see
// internal/device/ocppsoap's action set).
type Client struct {
	cfg     Config
	soapCfg connection.SOAPConfig
	http    *http.Client
	log     zerolog.Logger
}

func New(cfg Config, soapCfg connection.SOAPConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		soapCfg: soapCfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

// Call sends one SOAP request for action, with bodyXML as the inner
// element content already serialized by the caller, and returns the raw
// inner XML of the response body.
func (c *Client) Call(ctx context.Context, deviceID, action string, bodyXML []byte) ([]byte, error) {
	env := envelope{
		XMLNSS: "http://schemas.xmlsoap.org/soap/envelope/",
		XMLNSW: "http://www.w3.org/2005/08/addressing",
		Header: envHeader{
			Action:      action,
			MessageID:   uuid.NewString(),
			From:        envFrom{Address: c.soapCfg.FromAddress},
			ChargeBoxID: deviceID,
		},
		Body: envBody{Content: bodyXML},
	}

	payload, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("soaptransport: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.soapCfg.EndpointURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("soaptransport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	c.log.Debug().Str("action", action).Msg("soaptransport: sending request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("soaptransport: %s: %w", action, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("soaptransport: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("soaptransport: %s: http %d: %s", action, resp.StatusCode, string(respBody))
	}

	var respEnv envelope
	if err := xml.Unmarshal(respBody, &respEnv); err != nil {
		return nil, fmt.Errorf("soaptransport: unmarshal response: %w", err)
	}
	c.log.Debug().Str("action", action).Msg("soaptransport: received response")
	return respEnv.Body.Content, nil
}
