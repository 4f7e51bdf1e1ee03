package pair

import "github.com/savplux/backpack-liquidation-limit/internal/trading"

type State string

type Event string

const (
	StateIdle         State = "IDLE"
	StateOpeningShort State = "OPENING_SHORT"
	StateOpeningLong  State = "OPENING_LONG"
	StateArmed        State = "ARMED"
	StateMonitoring   State = "MONITORING"
	StateClosed       State = "CLOSED"
	StateAborted      State = "ABORTED"
)

const (
	EventOpenShort Event = "OPEN_SHORT"
	EventShortOK   Event = "SHORT_OK"
	EventLongOK    Event = "LONG_OK"
	EventTPSet     Event = "TP_SET"
	EventClosed    Event = "CLOSED"
	EventDone      Event = "DONE"
	EventAbort     Event = "ABORT"
)

// CycleResult summarizes how a finished cycle ended for persistence and
// the audit trail.
type CycleResult string

const (
	ResultClosed  CycleResult = "closed"
	ResultAborted CycleResult = "aborted"
)

// Leg is one side of the hedged pair, bound to its own sub-account.
// Side is the entry side; take-profits and emergency closes trade its
// opposite.
type Leg struct {
	Account    string
	Side       trading.Side
	Size       float64
	EntryPrice float64
	LiqPrice   float64
	TPOrderID  string
	TPPrice    float64
	Liquidated bool
	TookProfit bool
}
