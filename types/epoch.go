package types

import "time"

// EpochState is the lifecycle state of an epoch
type EpochState uint8

const (
	EpochOpen EpochState = iota
	EpochSettling
	EpochClosed
)

// String returns a human-readable epoch state
func (s EpochState) String() string {
	switch s {
	case EpochOpen:
		return "open"
	case EpochSettling:
		return "settling"
	case EpochClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Epoch is a bounded window ending in exactly one settlement
type Epoch struct {
	Index int
	Start time.Duration
	End   time.Duration
	State EpochState
}

// NewEpoch opens epoch index starting at start
func NewEpoch(index int, start, length time.Duration) *Epoch {
	return &Epoch{
		Index: index,
		Start: start,
		End:   start + length,
		State: EpochOpen,
	}
}

// Contains returns true if t falls inside the epoch window
func (e *Epoch) Contains(t time.Duration) bool {
	return t >= e.Start && t < e.End
}

// BeginSettlement moves an open epoch to settling
func (e *Epoch) BeginSettlement() error {
	if e.State != EpochOpen {
		return Violation("depositBack", "epoch %d settled twice (state %s)", e.Index, e.State)
	}
	e.State = EpochSettling
	return nil
}

// Close finishes the settlement
func (e *Epoch) Close() error {
	if e.State != EpochSettling {
		return Violation("depositBack", "epoch %d closed from state %s", e.Index, e.State)
	}
	e.State = EpochClosed
	return nil
}

// Next opens the epoch following e
func (e *Epoch) Next() *Epoch {
	return NewEpoch(e.Index+1, e.End, e.End-e.Start)
}

// Record is the output row for one ring and one epoch
type Record struct {
	RunID  string `json:"run_id"`
	RingID int    `json:"ring_id"`
	Epoch  int    `json:"epoch"`

	MeanWaitingTime       time.Duration `json:"mean_waiting_time"`
	CooperativeExpense    float64       `json:"cooperative_expense"`
	NonCooperativeExpense float64       `json:"non_cooperative_expense"`
	TheoreticalDeposit    float64       `json:"theoretical_deposit"`

	Rewards   float64 `json:"rewards"`
	Penalties float64 `json:"penalties"`
	Subsidy   float64 `json:"subsidy"`
	Treasury  float64 `json:"treasury"`

	Executed int `json:"executed"`
	Expired  int `json:"expired"`
	Rounds   int `json:"rounds"`
}
