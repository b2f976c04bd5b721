// Package ledger keeps the refundable deposits of a ring and settles rewards
// and penalties at epoch boundaries.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

var (
	// ErrUnknownUser is returned for users that are not ring members
	ErrUnknownUser = errors.New("unknown user")

	// ErrExited is returned for operations on a member that already left
	ErrExited = errors.New("user already exited")
)

// conservation tolerance for float accumulation
const epsilon = 1e-9

// DepositRecord is the ledger state of one member
type DepositRecord struct {
	User           types.UserID
	Posted         float64 // total deposit ever posted
	Balance        float64
	PendingReward  float64
	PendingPenalty float64
	Cooperations   int
	Defections     int
	Exited         bool
}

// DefectionRatio returns the share of defections in the current epoch
func (r DepositRecord) DefectionRatio() float64 {
	total := r.Cooperations + r.Defections
	if total == 0 {
		return 0
	}
	return float64(r.Defections) / float64(total)
}

// CooperationRatio returns the share of cooperative actions in the current
// epoch
func (r DepositRecord) CooperationRatio() float64 {
	total := r.Cooperations + r.Defections
	if total == 0 {
		return 0
	}
	return float64(r.Cooperations) / float64(total)
}

// PenaltyRule decides how much of a member's balance is forfeited at an
// epoch boundary
type PenaltyRule interface {
	Penalty(rec DepositRecord) float64
}

// ProportionalPenalty forfeits Rate of the balance scaled by the share of
// defections: a member that defected on every opportunity loses Rate of its
// balance
type ProportionalPenalty struct {
	Rate float64
}

// Penalty implements PenaltyRule
func (p ProportionalPenalty) Penalty(rec DepositRecord) float64 {
	return rec.Balance * p.Rate * rec.DefectionRatio()
}

// TrustSource exposes member trust to the ledger
type TrustSource interface {
	GetTrust(id types.UserID) float64
}

// Settlement is the outcome of one depositBack
type Settlement struct {
	Epoch     int
	Forfeited float64
	Subsidy   float64
	Rewards   float64
	Treasury  float64 // pool left undistributed
	Refunded  float64 // deposit paid back to the members this epoch
	Rewarded  int     // members that received a share
	Penalized int     // members that forfeited part of their balance
}

// Ledger holds the deposits of one ring
type Ledger struct {
	mu      sync.RWMutex
	ringID  int
	config  types.Config
	users   *types.UserSet
	trust   TrustSource
	penalty PenaltyRule
	refund  RefundRule
	logger  *zap.Logger

	records  map[types.UserID]*DepositRecord
	treasury float64
	settled  map[int]bool

	settlements []Settlement
	slashes     []SlashEvent
}

// NewLedger creates a ledger over the members of a ring
func NewLedger(ringID int, users *types.UserSet, trust TrustSource, config types.Config, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		ringID:  ringID,
		config:  config,
		users:   users,
		trust:   trust,
		penalty: ProportionalPenalty{Rate: config.PenaltyRate},
		refund:  HoldRefund{},
		logger:  logger.Named("ledger"),
		records: make(map[types.UserID]*DepositRecord),
		settled: make(map[int]bool),
	}
	for _, u := range users.Users {
		l.records[u.ID] = &DepositRecord{User: u.ID}
	}
	return l
}

// SetPenaltyRule replaces the penalty rule
func (l *Ledger) SetPenaltyRule(rule PenaltyRule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalty = rule
}

// SetRefundRule replaces the refund rule
func (l *Ledger) SetRefundRule(rule RefundRule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refund = rule
}

func (l *Ledger) record(id types.UserID) (*DepositRecord, error) {
	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUser, id)
	}
	if rec.Exited {
		return nil, fmt.Errorf("%w: %d", ErrExited, id)
	}
	return rec, nil
}

// Post adds amount to a member's deposit
func (l *Ledger) Post(id types.UserID, amount float64) error {
	if amount < 0 || math.IsNaN(amount) {
		return &types.ConfigError{Field: "deposit", Reason: fmt.Sprintf("must not be negative, got %g", amount)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return err
	}
	rec.Posted += amount
	rec.Balance += amount
	l.users.Get(id).Deposit = rec.Balance
	return nil
}

// Record counts one cooperative or non-cooperative action of a member
func (l *Ledger) Record(id types.UserID, cooperated bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return err
	}
	if cooperated {
		rec.Cooperations++
	} else {
		rec.Defections++
	}
	return nil
}

// DepositBack settles an epoch: defectors forfeit part of their balance, and
// the forfeits plus the subsidy are shared by trust times cooperation among
// members above the reward floor. Whatever cannot be shared goes to the
// treasury. The refund rule then pays part of the balances back out of the
// ledger. It runs exactly once per epoch.
func (l *Ledger) DepositBack(epoch *types.Epoch) (*Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.settled[epoch.Index] {
		return nil, types.Violation("depositBack", "ring %d: epoch %d settled twice", l.ringID, epoch.Index)
	}
	if err := epoch.BeginSettlement(); err != nil {
		return nil, err
	}

	before := l.totalBalance() + l.treasury
	s := &Settlement{Epoch: epoch.Index, Subsidy: l.config.Subsidy}

	active := make([]*DepositRecord, 0, len(l.records))
	for _, u := range l.users.Users {
		if rec := l.records[u.ID]; !rec.Exited {
			active = append(active, rec)
		}
	}

	// penalties
	for _, rec := range active {
		p := math.Max(0, math.Min(rec.Balance, l.penalty.Penalty(*rec)))
		rec.PendingPenalty = p
		if p > 0 {
			s.Penalized++
		}
		s.Forfeited += p
	}
	pool := s.Forfeited + s.Subsidy

	// reward weights
	type share struct {
		rec    *DepositRecord
		weight float64
	}
	eligible := make([]share, 0, len(active))
	var totalWeight float64
	for _, rec := range active {
		trust := l.trust.GetTrust(rec.User)
		if trust <= l.config.RewardFloor {
			continue
		}
		w := trust * rec.CooperationRatio()
		if w <= 0 {
			continue
		}
		eligible = append(eligible, share{rec, w})
		totalWeight += w
	}

	if pool > 0 && totalWeight > 0 {
		distributed := 0.0
		for i, sh := range eligible {
			var amount float64
			if i == len(eligible)-1 {
				// last member gets the remainder
				amount = math.Max(0, pool-distributed)
			} else {
				amount = pool * sh.weight / totalWeight
			}
			sh.rec.PendingReward = amount
			distributed += amount
		}
		s.Rewards = distributed
		s.Rewarded = len(eligible)
	}
	s.Treasury = pool - s.Rewards

	if s.Rewards > s.Forfeited+s.Subsidy+epsilon {
		return nil, types.Violation("depositBack", "ring %d epoch %d: rewards %.6f exceed forfeits %.6f plus subsidy %.6f",
			l.ringID, epoch.Index, s.Rewards, s.Forfeited, s.Subsidy)
	}

	// apply
	for _, rec := range active {
		rec.Balance += rec.PendingReward - rec.PendingPenalty
		rec.PendingReward = 0
		rec.PendingPenalty = 0
		rec.Cooperations = 0
		rec.Defections = 0
		l.users.Get(rec.User).Deposit = rec.Balance
	}
	l.treasury += s.Treasury

	if err := l.refundEpoch(epoch, active, s); err != nil {
		return nil, err
	}

	after := l.totalBalance() + l.treasury
	if math.Abs(after-(before+s.Subsidy-s.Refunded)) > epsilon*math.Max(1, before) {
		return nil, types.Violation("depositBack", "ring %d epoch %d: ledger moved from %.6f to %.6f with subsidy %.6f and refunds %.6f",
			l.ringID, epoch.Index, before, after, s.Subsidy, s.Refunded)
	}

	l.settled[epoch.Index] = true
	l.settlements = append(l.settlements, *s)
	if err := epoch.Close(); err != nil {
		return nil, err
	}

	l.logger.Debug("epoch settled",
		zap.Int("ring", l.ringID),
		zap.Int("epoch", epoch.Index),
		zap.Float64("forfeited", s.Forfeited),
		zap.Float64("rewards", s.Rewards),
		zap.Float64("treasury", s.Treasury),
		zap.Float64("refunded", s.Refunded),
		zap.Int("rewarded", s.Rewarded),
	)
	return s, nil
}

func (l *Ledger) refundEpoch(epoch *types.Epoch, active []*DepositRecord, s *Settlement) error {
	shares := make([]RefundShare, len(active))
	for i, rec := range active {
		shares[i] = RefundShare{User: rec.User, Balance: rec.Balance, Trust: l.trust.GetTrust(rec.User)}
	}
	contributions, payouts := l.refund.Refunds(shares, l.config.Epochs-epoch.Index)
	if len(contributions) != len(active) || len(payouts) != len(active) {
		return types.Violation("depositBack", "ring %d epoch %d: refund rule %s returned %d/%d entries for %d members",
			l.ringID, epoch.Index, l.refund.Name(), len(contributions), len(payouts), len(active))
	}

	var pot, paid float64
	for i, rec := range active {
		c := contributions[i]
		if c < 0 || c > rec.Balance+epsilon || payouts[i] < 0 {
			return types.Violation("depositBack", "ring %d epoch %d: refund rule %s moved %.6f in and %.6f out for member %d with balance %.6f",
				l.ringID, epoch.Index, l.refund.Name(), c, payouts[i], rec.User, rec.Balance)
		}
		pot += c
		paid += payouts[i]
	}
	if paid > pot+epsilon*math.Max(1, pot) {
		return types.Violation("depositBack", "ring %d epoch %d: refunds %.6f exceed contributions %.6f",
			l.ringID, epoch.Index, paid, pot)
	}

	for i, rec := range active {
		rec.Balance = math.Max(0, rec.Balance-contributions[i])
		u := l.users.Get(rec.User)
		u.Deposit = rec.Balance
		u.Refunded += payouts[i]
	}
	// contributions nobody was paid stay with the ring
	l.treasury += pot - paid
	s.Refunded = paid
	return nil
}

func (l *Ledger) totalBalance() float64 {
	var total float64
	for _, rec := range l.records {
		total += rec.Balance
	}
	return total
}

// GetRecord returns a copy of a member's record
func (l *Ledger) GetRecord(id types.UserID) (DepositRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return DepositRecord{}, false
	}
	return *rec, true
}

// TotalBalance returns the sum of all member balances
func (l *Ledger) TotalBalance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalBalance()
}

// Treasury returns the value held by the ledger itself
func (l *Ledger) Treasury() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury
}

// Settlements returns the settlement history
func (l *Ledger) Settlements() []Settlement {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Settlement, len(l.settlements))
	copy(out, l.settlements)
	return out
}
