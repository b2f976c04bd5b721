// Package sim runs the full lifecycle of one ring: bus circulation, exit
// processing and epoch settlement over a logical clock.
package sim

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/confirm"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/cost"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/ledger"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/ring"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/trust"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Metrics counts what happened in a ring
type Metrics struct {
	Hops         uint64
	Defections   uint64
	Inserted     uint64
	Rounds       uint64 // completed circulations
	EmptyRounds  uint64 // circulations that reached the exit with no request
	Batches      uint64
	Executed     uint64
	Expired      uint64 // including requests still riding when the ring stopped
	Drained      uint64 // requests still riding when the ring stopped
	SkippedExits uint64 // exits passed over because they withheld an empty bus
	Epochs       uint64
	LowTrust     uint64 // members at or below the reward floor when the ring stopped
}

// Option configures a Simulator
type Option func(*Simulator) error

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Simulator) error {
		s.logger = logger
		return nil
	}
}

// WithPolicy sets the insertion policy
func WithPolicy(p ring.InsertionPolicy) Option {
	return func(s *Simulator) error {
		s.policy = p
		return nil
	}
}

// WithTrustRule sets the trust rule
func WithTrustRule(r trust.Rule) Option {
	return func(s *Simulator) error {
		s.rule = r
		return nil
	}
}

// WithPenaltyRule sets the ledger penalty rule
func WithPenaltyRule(r ledger.PenaltyRule) Option {
	return func(s *Simulator) error {
		s.penalty = r
		return nil
	}
}

// WithRefundRule sets the ledger refund rule
func WithRefundRule(r ledger.RefundRule) Option {
	return func(s *Simulator) error {
		s.refund = r
		return nil
	}
}

// WithSignatures turns request signing and verification on or off
func WithSignatures(on bool) Option {
	return func(s *Simulator) error {
		s.signatures = on
		return nil
	}
}

// WithRunID tags the emitted records
func WithRunID(id string) Option {
	return func(s *Simulator) error {
		s.runID = id
		return nil
	}
}

// WithStart sets the logical time the ring starts at
func WithStart(start time.Duration) Option {
	return func(s *Simulator) error {
		if start < 0 {
			return &types.ConfigError{Field: "start", Reason: "must not be negative"}
		}
		s.clock = start
		return nil
	}
}

// WithTheoreticalDeposit stamps the analytic deposit on every record
func WithTheoreticalDeposit(v float64) Option {
	return func(s *Simulator) error {
		s.theoretical = v
		return nil
	}
}

// epochStats accumulates the per-epoch record fields
type epochStats struct {
	waits    []time.Duration
	executed int
	expired  int
	rounds   int
	settled  bool // the deposit settlement rode on a batch
}

// Simulator is the explicit context of one ring: its members, its own
// generator and its components. The cost model is shared and read-only.
type Simulator struct {
	ring    *ring.Ring
	members []*types.User // ring order
	users   *types.UserSet
	config  types.Config
	costs   *cost.Model
	seed    types.Hash
	rng     *rand.Rand

	policy  ring.InsertionPolicy
	rule    trust.Rule
	penalty ledger.PenaltyRule
	refund  ledger.RefundRule
	trust   *trust.Manager
	ledger  *ledger.Ledger
	engine  *confirm.Engine
	bus     *ring.Bus
	logger  *zap.Logger

	signatures  bool
	runID       string
	theoretical float64

	clock   time.Duration
	epoch   *types.Epoch
	exit    int // ring position of the current exit
	sched   scheduler
	origins map[uuid.UUID]*types.User
	stats   epochStats
	records []types.Record
	metrics Metrics
	done    bool
}

// New builds the simulator of one ring. users must contain every member;
// seed is the ring's own seed and drives every random draw of the ring.
func New(r *ring.Ring, users *types.UserSet, config types.Config, costs *cost.Model, seed types.Hash, opts ...Option) (*Simulator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if r.Size() != config.RingSize() {
		return nil, &types.ConfigError{
			Field:  "ring",
			Reason: fmt.Sprintf("ring %d has %d members, want %d", r.ID, r.Size(), config.RingSize()),
		}
	}
	if costs == nil {
		return nil, &types.ConfigError{Field: "cost_model", Reason: "missing"}
	}

	members := types.NewUserSet()
	for _, id := range r.Members {
		u := users.Get(id)
		if u == nil {
			return nil, &types.ConfigError{Field: "ring", Reason: fmt.Sprintf("member %d not in population", id)}
		}
		members.Add(u)
	}

	s := &Simulator{
		ring:       r,
		members:    members.Users,
		users:      members,
		config:     config,
		costs:      costs,
		seed:       seed,
		rng:        crypto.NewRand(seed),
		policy:     ring.ProbabilisticPolicy{},
		logger:     zap.NewNop(),
		signatures: true,
		origins:    make(map[uuid.UUID]*types.User),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.rule == nil {
		s.rule = trust.NewLinearRule(config)
	}
	s.logger = s.logger.Named("sim").With(zap.Int("ring", r.ID))

	for _, u := range s.members {
		if u.SurrogateKey.IsZero() {
			keySeed := crypto.DeriveKeySeed(s.seed, u.ID)
			kp := crypto.GenerateDeterministicKeyPair(keySeed[:])
			u.SurrogateKey = kp.PublicKey
			u.SurrogateSecret = kp.SecretKey
		}
	}

	engine, err := confirm.NewEngine(r.ID, r.Members, config.Threshold, costs, confirm.Options{
		VerifySignatures: s.signatures,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	s.trust = trust.NewManager(members, s.rule)
	s.ledger = ledger.NewLedger(r.ID, members, s.trust, config, s.logger)
	if s.penalty != nil {
		s.ledger.SetPenaltyRule(s.penalty)
	}
	if s.refund != nil {
		s.ledger.SetRefundRule(s.refund)
	}
	s.bus = ring.NewBus(r.ID, r.Size(), s.rng)

	for _, u := range s.members {
		u.Trust = config.InitialTrust
		if err := s.ledger.Post(u.ID, config.Deposit); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run advances the ring through its configured epoch horizon and returns
// one record per epoch. A failure aborts the ring with a *RunError.
func (s *Simulator) Run() ([]types.Record, error) {
	if s.done {
		return nil, &RunError{RingID: s.ring.ID, Op: "run", Err: types.Violation("run", "ring already ran")}
	}

	s.epoch = types.NewEpoch(0, s.clock, s.config.EpochLength)
	s.sched.schedule(s.epoch.End, evEpochEnd)
	if err := s.bus.Start(s.exit); err != nil {
		return nil, s.fail("hop", err)
	}
	s.sched.schedule(s.clock, evHop)

	s.logger.Info("ring started",
		zap.Int("members", len(s.members)),
		zap.Int("threshold", s.config.Threshold),
		zap.String("policy", s.policy.Name()),
		zap.String("trust_rule", s.rule.Name()),
	)

	for !s.done {
		ev, ok := s.sched.next()
		if !ok {
			break
		}
		s.clock = ev.at

		var err error
		switch ev.kind {
		case evHop:
			err = s.hop()
		case evExit:
			err = s.processExit()
		case evEpochEnd:
			err = s.endEpoch()
		}
		if err != nil {
			return s.records, err
		}
	}

	s.logger.Info("ring finished",
		zap.Uint64("rounds", s.metrics.Rounds),
		zap.Uint64("executed", s.metrics.Executed),
		zap.Uint64("expired", s.metrics.Expired),
		zap.Uint64("defections", s.metrics.Defections),
	)
	return s.records, nil
}

func (s *Simulator) fail(op string, err error) error {
	epoch := 0
	if s.epoch != nil {
		epoch = s.epoch.Index
	}
	s.done = true
	s.sched.clear()
	return &RunError{RingID: s.ring.ID, Epoch: epoch, Op: op, Err: err}
}

// hop lets the current holder process the bus
func (s *Simulator) hop() error {
	pos := s.bus.Holder()
	u := s.members[pos]
	dec := s.policy.Decide(u, s.clock, s.rng)

	if !dec.Cooperate && pos == s.exit && s.bus.Occupied() == 0 {
		return s.skipExit(u)
	}

	if err := s.bus.Unwrap(); err != nil {
		return s.fail("hop", err)
	}

	if dec.Cooperate && dec.Insert && s.bus.SeatEmpty(pos) {
		req, err := s.newRequest(u, pos)
		if err != nil {
			return s.fail("hop", err)
		}
		if req != nil {
			if err := s.bus.Write(pos, req); err != nil {
				return s.fail("hop", err)
			}
			s.origins[req.ID] = u
			s.trust.RecordInsert(u.ID)
			s.metrics.Inserted++
		}
	}
	if err := s.bus.CheckLayers(); err != nil {
		return s.fail("hop", err)
	}
	if err := s.bus.Forward(); err != nil {
		return s.fail("hop", err)
	}

	s.trust.RecordHop(u.ID, dec.Cooperate)
	if err := s.ledger.Record(u.ID, dec.Cooperate); err != nil {
		return s.fail("hop", err)
	}
	s.metrics.Hops++

	delay := s.config.HopDuration
	if !dec.Cooperate {
		// the next member forwards on protocol timeout
		delay *= 2
		s.metrics.Defections++
	}

	if s.bus.State() == ring.BusAtExit {
		s.sched.schedule(s.clock+delay, evExit)
	} else {
		s.sched.schedule(s.clock+delay, evHop)
	}
	return nil
}

// skipExit passes the exit role on when the exit withholds an empty bus. The
// next member starts a fresh circulation once the protocol timeout expires.
func (s *Simulator) skipExit(u *types.User) error {
	if err := s.bus.Abandon(); err != nil {
		return s.fail("hop", err)
	}
	s.trust.RecordHop(u.ID, false)
	if err := s.ledger.Record(u.ID, false); err != nil {
		return s.fail("hop", err)
	}
	s.metrics.Hops++
	s.metrics.Defections++
	s.metrics.SkippedExits++

	s.exit = (s.exit + 1) % len(s.members)
	if err := s.bus.Start(s.exit); err != nil {
		return s.fail("hop", err)
	}
	s.sched.schedule(s.clock+2*s.config.HopDuration, evHop)
	return nil
}

// newRequest turns the member's due payment into a signed request
func (s *Simulator) newRequest(u *types.User, pos int) (*types.PaymentRequest, error) {
	p := u.TakeDuePayment(s.clock)
	if p == nil {
		return nil, nil
	}
	req := &types.PaymentRequest{
		ID:              types.NewRequestID(s.ring.ID, s.bus.Round(), pos),
		ServiceProvider: p.ServiceProvider,
		Amount:          p.Amount,
		SurrogateKey:    u.SurrogateKey,
		Status:          types.StatusPending,
		ScheduledAt:     p.At,
		InsertedAt:      s.clock,
		Epoch:           s.epoch.Index,
	}
	if s.signatures {
		if err := crypto.SignRequest(u.SurrogateSecret, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// processExit releases the bus to the exit, runs the confirmation round and
// pays. An empty bus starts another circulation under the same exit.
func (s *Simulator) processExit() error {
	batch, err := s.bus.Release(s.exit)
	if err != nil {
		return s.fail("exit", err)
	}
	s.metrics.Rounds++
	s.stats.rounds++

	if len(batch) > 0 {
		if err := s.settleBatch(batch); err != nil {
			return err
		}
		s.exit = (s.exit + 1) % len(s.members)
	} else {
		s.metrics.EmptyRounds++
	}

	if err := s.bus.Start(s.exit); err != nil {
		return s.fail("hop", err)
	}
	s.sched.schedule(s.clock, evHop)
	return nil
}

func (s *Simulator) settleBatch(batch []*types.PaymentRequest) error {
	exitUser := s.members[s.exit]

	root, err := s.engine.StartConfirm(exitUser.ID, batch)
	if err != nil {
		return s.fail("startConfirm", err)
	}

	for _, u := range s.members {
		ok := s.policy.Confirm(u, s.clock, s.rng)
		if ok {
			if _, err := s.engine.ConfirmBatch(u); err != nil {
				return s.fail("confirm", err)
			}
		}
		s.trust.RecordConfirm(u.ID, ok)
		if err := s.ledger.Record(u.ID, ok); err != nil {
			return s.fail("confirm", err)
		}
	}

	// the batch that cannot be followed by another one in this epoch
	// carries the deposit settlement
	endEpoch := s.clock+time.Duration(len(s.members))*s.config.HopDuration >= s.epoch.End
	res, err := s.engine.Pay(exitUser, endEpoch)
	if err != nil {
		return s.fail("pay", err)
	}
	if endEpoch {
		s.stats.settled = true
	}

	for _, req := range res.Executed {
		u := s.origins[req.ID]
		delete(s.origins, req.ID)
		if err := u.SettlePayment(s.clock); err != nil {
			return s.fail("pay", err)
		}
		s.stats.waits = append(s.stats.waits, s.clock-req.ScheduledAt)
	}
	for _, req := range res.Expired {
		u := s.origins[req.ID]
		delete(s.origins, req.ID)
		u.DropPayment()
	}

	s.metrics.Batches++
	s.metrics.Executed += uint64(len(res.Executed))
	s.metrics.Expired += uint64(len(res.Expired))
	s.stats.executed += len(res.Executed)
	s.stats.expired += len(res.Expired)

	s.logger.Debug("batch paid",
		zap.Int("epoch", s.epoch.Index),
		zap.Int("exit", int(exitUser.ID)),
		zap.String("root", crypto.HashToHex(root)[:16]),
		zap.Int("executed", len(res.Executed)),
		zap.Int("expired", len(res.Expired)),
		zap.Float64("exit_cost", res.ExitCost),
	)
	return nil
}

// endEpoch closes the confirmation window, updates trust, settles deposits
// and emits the epoch record
func (s *Simulator) endEpoch() error {
	s.engine.CloseVoting()
	s.trust.EndEpoch()

	if !s.stats.settled {
		// no batch carried the settlement: the exit sends it alone
		s.members[s.exit].Expenses += s.costs.USD(cost.OpDepositBack)
	}

	settlement, err := s.ledger.DepositBack(s.epoch)
	if err != nil {
		return s.fail("depositBack", err)
	}
	s.metrics.Epochs++

	last := s.epoch.Index+1 >= s.config.Epochs
	if last {
		if err := s.drain(); err != nil {
			return err
		}
		if _, err := s.ledger.ExitAll(); err != nil {
			return s.fail("exit-refund", err)
		}
	}

	ts := s.trust.GetStats(s.config.RewardFloor)
	if last {
		s.metrics.LowTrust = uint64(ts.BelowFloor)
	}

	s.records = append(s.records, s.record(settlement))
	s.logger.Info("epoch closed",
		zap.Int("epoch", s.epoch.Index),
		zap.Int("executed", s.stats.executed),
		zap.Int("expired", s.stats.expired),
		zap.Float64("rewards", settlement.Rewards),
		zap.Float64("forfeited", settlement.Forfeited),
		zap.Float64("refunded", settlement.Refunded),
		zap.Float64("trust_avg", ts.AvgTrust),
		zap.Float64("trust_min", ts.MinTrust),
		zap.Int("below_floor", ts.BelowFloor),
	)

	if last {
		s.done = true
		s.sched.clear()
		return nil
	}

	s.epoch = s.epoch.Next()
	s.stats = epochStats{}
	s.sched.schedule(s.epoch.End, evEpochEnd)
	return nil
}

// drain expires whatever is still riding the bus when the ring stops
func (s *Simulator) drain() error {
	for _, req := range s.bus.Drain() {
		if err := req.Transition(types.StatusExpired); err != nil {
			return s.fail("drain", err)
		}
		if u := s.origins[req.ID]; u != nil {
			u.DropPayment()
		}
		delete(s.origins, req.ID)
		s.stats.expired++
		s.metrics.Expired++
		s.metrics.Drained++
	}
	return nil
}

func (s *Simulator) record(settlement *ledger.Settlement) types.Record {
	rec := types.Record{
		RunID:              s.runID,
		RingID:             s.ring.ID,
		Epoch:              s.epoch.Index,
		TheoreticalDeposit: s.theoretical,
		Rewards:            settlement.Rewards,
		Penalties:          settlement.Forfeited,
		Subsidy:            settlement.Subsidy,
		Treasury:           settlement.Treasury,
		Executed:           s.stats.executed,
		Expired:            s.stats.expired,
		Rounds:             s.stats.rounds,
	}

	if len(s.stats.waits) > 0 {
		var total time.Duration
		for _, w := range s.stats.waits {
			total += w
		}
		rec.MeanWaitingTime = total / time.Duration(len(s.stats.waits))
	}

	var coop, other float64
	var nCoop, nOther int
	for _, u := range s.members {
		net := u.NetExpense(s.config.Deposit)
		if u.FullyCooperative() {
			coop += net
			nCoop++
		} else {
			other += net
			nOther++
		}
	}
	if nCoop > 0 {
		rec.CooperativeExpense = coop / float64(nCoop)
	}
	if nOther > 0 {
		rec.NonCooperativeExpense = other / float64(nOther)
	}
	return rec
}

// Members returns the ring members in ring order
func (s *Simulator) Members() []*types.User {
	return s.members
}

// Metrics returns the ring counters
func (s *Simulator) Metrics() Metrics {
	return s.metrics
}

// Ledger returns the ring ledger
func (s *Simulator) Ledger() *ledger.Ledger {
	return s.ledger
}

// Clock returns the logical time
func (s *Simulator) Clock() time.Duration {
	return s.clock
}
