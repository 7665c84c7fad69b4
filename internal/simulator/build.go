// Package simulator is the wiring root (spec.md §9, component C9): for
// one YAML device entry it builds the matching Transport, wire codec,
// ProtocolEngine, and dialect Device, then drives that device's lifecycle
// — initialize-with-retry, the frequent-flow scheduler, interactive mode,
// and fleet-triggered flows — exactly as device/simulator.py's Simulator
// class does in the Python original, generalized across all four wire
// dialects (spec.md §9's one-engine-three-dialects shape, plus the
// engine-less SOAP dialect).
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/codec/ocppj"
	"github.com/charging-platform/charge-point-simulator/internal/config"
	"github.com/charging-platform/charge-point-simulator/internal/device/ensto"
	"github.com/charging-platform/charge-point-simulator/internal/device/ocpp16"
	"github.com/charging-platform/charge-point-simulator/internal/device/ocpp201"
	"github.com/charging-platform/charge-point-simulator/internal/device/ocppsoap"
	"github.com/charging-platform/charge-point-simulator/internal/domain/connection"
	"github.com/charging-platform/charge-point-simulator/internal/engine"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
	"github.com/charging-platform/charge-point-simulator/internal/transport"
	"github.com/charging-platform/charge-point-simulator/internal/transport/soaptransport"
	"github.com/charging-platform/charge-point-simulator/internal/transport/tcptransport"
	"github.com/charging-platform/charge-point-simulator/internal/transport/wstransport"
)

// dialectDevice is what every dialect Device exposes in common, on top of
// flow.FlowDevice: the register/heartbeat pair Simulator's initialize
// retry loop drives, regardless of wire format.
type dialectDevice interface {
	flow.FlowDevice
	ActionRegister(ctx context.Context) bool
	ActionHeartbeat(ctx context.Context) bool
	RegisterOnInitialize() bool
}

func connectionConfigFor(d config.DeviceConfig) connection.Config {
	cfg := connection.Config{
		ResponseTimeout: time.Duration(d.ResponseTimeoutSeconds) * time.Second,
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = config.ResponseTimeout()
	}
	switch d.Type {
	case config.DeviceTypeOCPPJ:
		cfg.Kind = connection.KindWebSocket
		cfg.WebSocket = &connection.WebSocketConfig{
			ServerAddress: d.ServerAddress,
			DeviceID:      d.Name,
			Subprotocols:  d.Protocols,
		}
	case config.DeviceTypeOCPPS:
		cfg.Kind = connection.KindSOAP
		cfg.SOAP = &connection.SOAPConfig{EndpointURL: d.ServerAddress, FromAddress: d.FromAddress}
	case config.DeviceTypeEnsto:
		cfg.Kind = connection.KindTCP
		cfg.TCP = &connection.TCPConfig{Host: d.ServerHost, Port: d.ServerPort}
	}
	return cfg
}

// build constructs every per-dialect piece for one device entry: the
// dialectDevice, its (possibly nil, for SOAP) Transport, and its
// (possibly nil) *engine.Engine. The caller (Simulator) still owns
// opening the transport and starting the engine's reader loop.
func build(id string, dc config.DeviceConfig, log zerolog.Logger, emit func(errevent.Event), spawn spawnFunc) (dialectDevice, transport.Transport, *engine.Engine, error) {
	connCfg := connectionConfigFor(dc)

	switch dc.Type {
	case config.DeviceTypeOCPPJ:
		ws := wstransport.New(wstransport.DefaultConfig(), *connCfg.WebSocket, log)

		if dc.IsOCPP201() {
			identity := ocpp201.Identity{
				VendorName:      strPtrOrNil(dc.SpecChargePointVendor),
				Model:           strPtrOrNil(dc.SpecChargePointModel),
				SerialNumber:    strPtrOrNil(dc.SpecChargeBoxSerialNumber),
				FirmwareVersion: strPtrOrNil(dc.SpecFirmwareVersion),
				Iccid:           strPtrOrNil(dc.SpecIccid),
				Imsi:            strPtrOrNil(dc.SpecImsi),
			}
			dev := ocpp201.New(id, identity, dc.RegisterOnInitialize, log, emit)
			eng := engine.New(engine.Config{
				Transport:       ws,
				Decode:          ocppj.Decode,
				EncodeResponse:  ocppj.EncodeResponse,
				ResponseTimeout: connCfg.ResponseTimeout,
				Inbound:         dev.HandleInbound(spawn),
				EmitError:       emit,
				Logger:          log,
			})
			dev.AttachEngine(eng)
			return dev, ws, eng, nil
		}

		identity := ocpp16.Identity{
			ChargePointVendor:       strPtrOrNil(dc.SpecChargePointVendor),
			ChargePointModel:        strPtrOrNil(dc.SpecChargePointModel),
			ChargePointSerialNumber: strPtrOrNil(dc.SpecChargePointSerialNumber),
			ChargeBoxSerialNumber:   strPtrOrNil(dc.SpecChargeBoxSerialNumber),
			FirmwareVersion:         strPtrOrNil(dc.SpecFirmwareVersion),
			Iccid:                   strPtrOrNil(dc.SpecIccid),
			Imsi:                    strPtrOrNil(dc.SpecImsi),
			MeterType:               strPtrOrNil(dc.SpecMeterType),
			MeterSerialNumber:       strPtrOrNil(dc.SpecMeterSerialNumber),
		}
		dev := ocpp16.New(id, identity, dc.RegisterOnInitialize, log, emit)
		eng := engine.New(engine.Config{
			Transport:       ws,
			Decode:          ocppj.Decode,
			EncodeResponse:  ocppj.EncodeResponse,
			ResponseTimeout: connCfg.ResponseTimeout,
			Inbound:         dev.HandleInbound(spawn),
			EmitError:       emit,
			Logger:          log,
		})
		dev.AttachEngine(eng)
		return dev, ws, eng, nil

	case config.DeviceTypeEnsto:
		tcp := tcptransport.New(tcptransport.DefaultConfig(), *connCfg.TCP, log)
		identity := ensto.Identity{
			Vendor: strPtrOrNil(dc.SpecVendor),
			Model:  strPtrOrNil(dc.SpecModel),
			Sw:     strPtrOrNil(dc.SpecSw),
		}
		dev := ensto.New(id, dc.ServerHost, dc.ServerPort, identity, dc.RegisterOnInitialize, log, emit)
		eng := engine.New(engine.Config{
			Transport:       tcp,
			Decode:          ensto.Decode,
			EncodeResponse:  dev.EncodeResponse,
			ResponseTimeout: connCfg.ResponseTimeout,
			Inbound:         dev.HandleInbound(spawn),
			EmitError:       emit,
			Logger:          log,
		})
		dev.AttachEngine(eng)
		return dev, tcp, eng, nil

	case config.DeviceTypeOCPPS:
		client := soaptransport.New(soaptransport.DefaultConfig(), *connCfg.SOAP, log)
		identity := ocppsoap.Identity{
			ChargePointVendor:       strPtrOrNil(dc.SpecChargePointVendor),
			ChargePointModel:        strPtrOrNil(dc.SpecChargePointModel),
			ChargePointSerialNumber: strPtrOrNil(dc.SpecChargePointSerialNumber),
			ChargeBoxSerialNumber:   strPtrOrNil(dc.SpecChargeBoxSerialNumber),
			FirmwareVersion:         strPtrOrNil(dc.SpecFirmwareVersion),
			Iccid:                   strPtrOrNil(dc.SpecIccid),
			Imsi:                    strPtrOrNil(dc.SpecImsi),
			MeterType:               strPtrOrNil(dc.SpecMeterType),
			MeterSerialNumber:       strPtrOrNil(dc.SpecMeterSerialNumber),
		}
		dev := ocppsoap.New(id, identity, dc.RegisterOnInitialize, client, log, emit)
		// OCPP-S has no reader loop and no InboundHandler (spec.md §9):
		// no Transport/Engine to return.
		return dev, nil, nil, nil
	}

	return nil, nil, nil, fmt.Errorf("simulator: unsupported device type %q", dc.Type)
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
