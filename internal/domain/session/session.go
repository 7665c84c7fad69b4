// Package session models the single charging session a Device may hold at
// a time (spec.md §3 ChargeSession, §9 design note: "treat as a small sum
// type {Idle | Authorizing | Active(txId,...) | Stopping}").
package session

import "time"

// State is the charge session's sum-type tag.
type State int

const (
	Idle State = iota
	Authorizing
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Authorizing:
		return "Authorizing"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// Session is the one charge session a Device owns at a time (spec.md §3).
// The zero value is Idle with no transaction.
type Session struct {
	State State

	TransactionID          string
	IDTag                  string
	ConnectorID             int
	EVSEID                  int
	MeterStart              int64
	StartTime               time.Time
	ChargedWhPerMinute      int64
	SeqNo                   int // OCPP 2.0.1 transaction event sequence counter
}

// InProgress is the authoritative flag spec.md §3/§4.4 checks from
// charge_can_start / charge_can_stop.
func (s *Session) InProgress() bool {
	return s.State == Authorizing || s.State == Active || s.State == Stopping
}

// Charging reports whether the session is actively charging and has not
// yet been asked to stop. flow.RunOngoingLoop's periodic mode polls this,
// not InProgress, so a RemoteStop's BeginStopping() transition is what
// breaks it out of the loop — InProgress stays true through Stopping so
// CanStart/CanStop keep rejecting concurrent start/duplicate-stop
// requests until Reset.
func (s *Session) Charging() bool {
	return s.State == Active
}

// CanStart is charge_can_start(): !session.inProgress.
func (s *Session) CanStart() bool {
	return !s.InProgress()
}

// CanStop is charge_can_stop(reqId): session.inProgress && (reqId ==
// session.transactionId || reqId == "-1"). The Ensto dialect forwards "-1"
// for the numeric equivalent (spec.md §4.4).
func (s *Session) CanStop(requestedTxID string) bool {
	if !s.InProgress() {
		return false
	}
	return requestedTxID == s.TransactionID || requestedTxID == "-1"
}

// Begin transitions Idle -> Authorizing, recording the authorization
// parameters. It is a no-op guard failure for callers to check CanStart
// first; Begin itself does not re-check.
func (s *Session) Begin(idTag string, connectorID int, chargedWhPerMinute int64) {
	s.State = Authorizing
	s.IDTag = idTag
	s.ConnectorID = connectorID
	s.ChargedWhPerMinute = chargedWhPerMinute
	s.SeqNo = 0
}

// Activate transitions Authorizing -> Active once StartTransaction / the
// equivalent succeeds, recording the assigned transaction id and the meter
// baseline.
func (s *Session) Activate(transactionID string, meterStart int64, startTime time.Time) {
	s.State = Active
	s.TransactionID = transactionID
	s.MeterStart = meterStart
	s.StartTime = startTime
}

// BeginStopping transitions Active -> Stopping ahead of the final
// StopTransaction/TransactionEvent(Ended) exchange.
func (s *Session) BeginStopping() {
	s.State = Stopping
}

// Reset returns the session to Idle. Called on successful stop and on any
// failure path within flow_charge (spec.md §4.5: "On any failure ... set
// session.inProgress = false").
func (s *Session) Reset() {
	*s = Session{}
}

// NextSeqNo increments and returns the OCPP 2.0.1 TransactionEvent
// sequence counter.
func (s *Session) NextSeqNo() int {
	s.SeqNo++
	return s.SeqNo
}

// MeterNow computes meterNow(t) = meterStart + floor((t - startTime)
// seconds / 60 * chargedWhPerMinute), in Wh (spec.md §3). Monotonic in t
// for t >= startTime, satisfying S7 (meter monotonicity).
func (s *Session) MeterNow(t time.Time) int64 {
	if s.StartTime.IsZero() {
		return s.MeterStart
	}
	elapsedMinutes := t.Sub(s.StartTime).Seconds() / 60
	if elapsedMinutes < 0 {
		elapsedMinutes = 0
	}
	return s.MeterStart + int64(elapsedMinutes*float64(s.ChargedWhPerMinute))
}
