package ledger

import (
	"go.uber.org/zap"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// SlashReason identifies why a member was slashed
type SlashReason int

const (
	SlashReasonLowTrust SlashReason = iota
)

// String returns a human-readable reason
func (r SlashReason) String() string {
	switch r {
	case SlashReasonLowTrust:
		return "low-trust"
	default:
		return "unknown"
	}
}

// SlashEvent records a slashing at exit
type SlashEvent struct {
	User   types.UserID
	Reason SlashReason
	Trust  float64
	Amount float64
}

// ExitResult is what a leaving member gets back
type ExitResult struct {
	Refund  float64
	Slashed float64
}

// Exit closes a member's deposit. A member with trust at or above the exit
// minimum recovers its full balance; otherwise the slash fraction of it goes
// to the treasury.
func (l *Ledger) Exit(id types.UserID) (*ExitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return nil, err
	}

	trust := l.trust.GetTrust(id)
	res := &ExitResult{}
	if trust >= l.config.MinExitTrust {
		res.Refund = rec.Balance
	} else {
		res.Slashed = rec.Balance * l.config.SlashFraction
		res.Refund = rec.Balance - res.Slashed
		l.treasury += res.Slashed
		l.slashes = append(l.slashes, SlashEvent{
			User:   id,
			Reason: SlashReasonLowTrust,
			Trust:  trust,
			Amount: res.Slashed,
		})
		l.logger.Debug("deposit slashed",
			zap.Int("ring", l.ringID),
			zap.Int("user", int(id)),
			zap.Float64("trust", trust),
			zap.Float64("amount", res.Slashed),
		)
	}

	rec.Balance = 0
	rec.Exited = true

	u := l.users.Get(id)
	u.Deposit = 0
	u.Refunded += res.Refund
	return res, nil
}

// ExitAll closes every remaining deposit in ring order
func (l *Ledger) ExitAll() (map[types.UserID]*ExitResult, error) {
	results := make(map[types.UserID]*ExitResult, len(l.users.Users))
	for _, u := range l.users.Users {
		if rec, ok := l.GetRecord(u.ID); ok && rec.Exited {
			continue
		}
		res, err := l.Exit(u.ID)
		if err != nil {
			return nil, err
		}
		results[u.ID] = res
	}
	return results, nil
}

// Slashes returns the slashing history
func (l *Ledger) Slashes() []SlashEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]SlashEvent, len(l.slashes))
	copy(out, l.slashes)
	return out
}
