// Package ocpp201 carries the OCPP-J 2.0.1 request/response payloads the
// device dialect needs (spec.md §4.4), grounded on
// device/ocpp_j/device_ocpp_j201.py in the Python original and shaped
// after the sibling ocpp16 message catalog.
package ocpp201

// Modem 调制解调器信息
type Modem struct {
	ICCID *string `json:"iccid,omitempty"`
	IMSI  *string `json:"imsi,omitempty"`
}

// ChargingStation 充电站身份信息
type ChargingStation struct {
	VendorName      *string `json:"vendorName,omitempty" validate:"omitempty,max=50"`
	Model           *string `json:"model,omitempty" validate:"omitempty,max=20"`
	SerialNumber    *string `json:"serialNumber,omitempty" validate:"omitempty,max=25"`
	FirmwareVersion *string `json:"firmwareVersion,omitempty" validate:"omitempty,max=50"`
	Modem           *Modem  `json:"modem,omitempty"`
}

// BootReason 启动原因枚举
type BootReason string

const BootReasonRemoteReset BootReason = "RemoteReset"

// BootNotificationRequest 启动通知请求（2.0.1）
type BootNotificationRequest struct {
	ChargingStation ChargingStation `json:"chargingStation"`
	Reason          BootReason      `json:"reason" validate:"required"`
}

// RegistrationStatus 注册状态
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

type StatusInfo struct {
	ReasonCode string `json:"reasonCode"`
}

// BootNotificationResponse 启动通知响应
type BootNotificationResponse struct {
	CurrentTime string              `json:"currentTime" validate:"required"`
	Interval    int                 `json:"interval"`
	Status      RegistrationStatus  `json:"status" validate:"required"`
	StatusInfo  *StatusInfo         `json:"statusInfo,omitempty"`
}

// HeartbeatRequest 心跳请求（空负载）
type HeartbeatRequest struct{}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	CurrentTime string `json:"currentTime" validate:"required"`
}

// ConnectorStatus 连接器状态枚举（2.0.1）
type ConnectorStatus string

const (
	ConnectorAvailable   ConnectorStatus = "Available"
	ConnectorOccupied    ConnectorStatus = "Occupied"
	ConnectorReserved    ConnectorStatus = "Reserved"
	ConnectorUnavailable ConnectorStatus = "Unavailable"
	ConnectorFaulted     ConnectorStatus = "Faulted"
)

// StatusNotificationRequest 状态通知请求
type StatusNotificationRequest struct {
	Timestamp       string          `json:"timestamp" validate:"required"`
	ConnectorStatus ConnectorStatus `json:"connectorStatus" validate:"required"`
	EVSEID          int             `json:"evseId" validate:"min=0"`
	ConnectorID     int             `json:"connectorId" validate:"min=0"`
}

type StatusNotificationResponse struct{}

// IDTokenType 授权令牌类型枚举
type IDTokenType string

const IDTokenTypeISO14443 IDTokenType = "ISO14443"

type IDToken struct {
	IDToken string      `json:"idToken" validate:"required,max=36"`
	Type    IDTokenType `json:"type" validate:"required"`
}

type AuthorizeRequest struct {
	IDToken IDToken `json:"idToken"`
}

type AuthorizationStatus string

const AuthorizationAccepted AuthorizationStatus = "Accepted"

type IDTokenInfo struct {
	Status AuthorizationStatus `json:"status" validate:"required"`
}

type AuthorizeResponse struct {
	IDTokenInfo IDTokenInfo `json:"idTokenInfo"`
}

// TransactionEventType 事件类型枚举
type TransactionEventType string

const (
	TransactionEventStarted TransactionEventType = "Started"
	TransactionEventUpdated TransactionEventType = "Updated"
	TransactionEventEnded   TransactionEventType = "Ended"
)

type TriggerReason string

const (
	TriggerReasonAuthorized           TriggerReason = "Authorized"
	TriggerReasonChargingStateChanged TriggerReason = "ChargingStateChanged"
)

type ChargingState string

const (
	ChargingStateIdle             ChargingState = "Idle"
	ChargingStateCharging         ChargingState = "Charging"
	ChargingStateTransactionEnded ChargingState = "Transaction.Ended"
)

type TransactionInfo struct {
	TransactionID string        `json:"transactionId" validate:"required"`
	ChargingState ChargingState `json:"chargingState,omitempty"`
}

type UnitOfMeasure struct {
	Unit string `json:"unit"`
}

type SampledValueContext string

const (
	SampledValueContextTransactionBegin SampledValueContext = "Transaction.Begin"
	SampledValueContextSamplePeriodic   SampledValueContext = "Sample.Periodic"
)

type SampledValue struct {
	Value         int64               `json:"value"`
	Context       SampledValueContext `json:"context,omitempty"`
	Measurand     string              `json:"measurand,omitempty"`
	Location      string              `json:"location,omitempty"`
	UnitOfMeasure *UnitOfMeasure      `json:"unitOfMeasure,omitempty"`
}

type MeterValue struct {
	Timestamp     string         `json:"timestamp"`
	SampledValue  []SampledValue `json:"sampledValue"`
}

type EVSE struct {
	ID          int `json:"id"`
	ConnectorID int `json:"connectorId"`
}

// TransactionEventRequest covers StartTransaction/MeterValues/StopTransaction
// under the 2.0.1 unified TransactionEvent action (spec.md §4.4).
type TransactionEventRequest struct {
	EventType       TransactionEventType `json:"eventType" validate:"required"`
	Timestamp       string               `json:"timestamp" validate:"required"`
	TriggerReason   TriggerReason        `json:"triggerReason" validate:"required"`
	SeqNo           int                  `json:"seqNo"`
	TransactionInfo TransactionInfo      `json:"transactionInfo"`
	MeterValue      []MeterValue         `json:"meterValue,omitempty"`
	EVSE            *EVSE                `json:"evse,omitempty"`
	IDToken         *IDToken             `json:"idToken,omitempty"`
}

type TransactionEventResponse struct {
	IDTokenInfo *IDTokenInfo `json:"idTokenInfo,omitempty"`
}

// GenericStatusResponse covers the default `{status:"Accepted"}`-shaped
// inbound server-request replies (spec.md §4.4).
type GenericStatusResponse struct {
	Status string `json:"status"`
}
