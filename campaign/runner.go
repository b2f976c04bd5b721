package campaign

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/cost"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/ledger"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/ring"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/sim"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/trust"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Sink receives every record of the rings that completed
type Sink interface {
	Put(rec types.Record) error
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner) error

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) error {
		r.logger = logger
		return nil
	}
}

// WithSink streams records to s
func WithSink(s Sink) RunnerOption {
	return func(r *Runner) error {
		r.sink = s
		return nil
	}
}

// WithMetrics sets the metrics the runner updates
func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) error {
		r.metrics = m
		return nil
	}
}

// RingResult is the outcome of one ring. Err is set for rings aborted by a
// protocol violation; their records are excluded from aggregation.
type RingResult struct {
	Ring    *ring.Ring
	Seed    types.Hash
	Records []types.Record
	Metrics sim.Metrics
	Err     error
}

// Samples are the per-user values a run contributes to the statistics
type Samples struct {
	Waiting        []float64 // mean waiting time in seconds, users with executed payments
	Cooperative    []float64 // net expense of fully cooperative users
	NonCooperative []float64 // net expense of everyone else
}

func (s *Samples) merge(o Samples) {
	s.Waiting = append(s.Waiting, o.Waiting...)
	s.Cooperative = append(s.Cooperative, o.Cooperative...)
	s.NonCooperative = append(s.NonCooperative, o.NonCooperative...)
}

// Summary aggregates the completed rings of a run
type Summary struct {
	RunID     string
	Completed int
	Failed    int

	WaitMean           float64 // seconds
	WaitSD             float64
	CooperativeMean    float64
	CooperativeSD      float64
	NonCooperativeMean float64
	NonCooperativeSD   float64

	Executed int
	Expired  int
	Theory   Theory
}

// Result is the full outcome of a run
type Result struct {
	Summary
	Rings   []RingResult
	Samples Samples
}

// Runner runs campaigns of independent rings
type Runner struct {
	config  Config
	costs   *cost.Model
	policy  ring.InsertionPolicy
	rule    trust.Rule
	refund  ledger.RefundRule
	logger  *zap.Logger
	metrics *Metrics

	sinkMu sync.Mutex
	sink   Sink
}

// NewRunner creates a runner. The cost model is shared read-only by every
// ring.
func NewRunner(cfg Config, costs *cost.Model, opts ...RunnerOption) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if costs == nil {
		return nil, &types.ConfigError{Field: "cost_model", Reason: "missing"}
	}

	policy, err := ring.PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}
	rule, err := trust.RuleByName(cfg.TrustRule, cfg.Config)
	if err != nil {
		return nil, err
	}
	refund, err := ledger.RefundRuleByName(cfg.Refund)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		config: cfg,
		costs:  costs,
		policy: policy,
		rule:   rule,
		refund: refund,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	r.logger = r.logger.Named("campaign")
	return r, nil
}

// Config returns the runner configuration
func (r *Runner) Config() Config {
	return r.config
}

// Run partitions users into rings and simulates them in parallel. demand
// feeds the theoretical deposit. A ring aborted by a protocol violation is
// reported in its RingResult and left out of the statistics; configuration
// errors and cancellation fail the whole run.
func (r *Runner) Run(ctx context.Context, users *types.UserSet, demand Demand) (*Result, error) {
	return r.run(ctx, r.config, users, demand)
}

func (r *Runner) run(ctx context.Context, cfg Config, users *types.UserSet, demand Demand) (*Result, error) {
	if cfg.EpochLength == 0 {
		cfg.EpochLength = FitEpochLength(users, cfg.Epochs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EpochLength == 0 {
		return nil, &types.ConfigError{Field: "epoch_length", Reason: "cannot fit to a population without payments"}
	}

	ids := make([]types.UserID, 0, users.Size())
	for _, u := range users.Users {
		ids = append(ids, u.ID)
	}
	master := crypto.CampaignSeed(cfg.Seed)
	rings, err := ring.Partition(ids, cfg.K, cfg.Alpha, cfg.Beta, master)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	theory := TheoreticalDeposit(cfg.RingSize(), cfg.Epochs, cfg.HopDuration, demand, r.costs)
	logger := r.logger.With(zap.String("run", runID))

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	start := time.Now()
	results := make([]RingResult, len(rings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rg := range rings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			seed := crypto.DeriveSeed(master, rg.ID)
			s, err := sim.New(rg, users, cfg.Config, r.costs, seed,
				sim.WithLogger(logger),
				sim.WithPolicy(r.policy),
				sim.WithTrustRule(r.rule),
				sim.WithRefundRule(r.refund),
				sim.WithSignatures(cfg.Signatures),
				sim.WithRunID(runID),
				sim.WithTheoreticalDeposit(theory.Deposit),
			)
			if err != nil {
				return fmt.Errorf("ring %d: %w", rg.ID, err)
			}

			records, err := s.Run()
			results[i] = RingResult{Ring: rg, Seed: seed, Records: records, Metrics: s.Metrics(), Err: err}
			if err != nil {
				r.metrics.RingsFailed.Inc()
				logger.Warn("ring aborted", zap.Int("ring", rg.ID), zap.Error(err))
				return nil
			}
			r.metrics.observeRing(s.Metrics())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Rings: results}
	res.RunID = runID
	res.Theory = theory
	for _, rr := range results {
		if rr.Err != nil {
			res.Failed++
			continue
		}
		res.Completed++
		for _, rec := range rr.Records {
			res.Executed += rec.Executed
			res.Expired += rec.Expired
			r.metrics.WaitingTime.Observe(rec.MeanWaitingTime.Seconds())
			if err := r.put(rec); err != nil {
				return nil, fmt.Errorf("store record ring %d epoch %d: %w", rec.RingID, rec.Epoch, err)
			}
		}
		res.Samples.merge(ringSamples(rr.Ring, users, cfg.Deposit))
	}

	res.WaitMean, res.WaitSD = MeanSD(res.Samples.Waiting)
	res.CooperativeMean, res.CooperativeSD = MeanSD(res.Samples.Cooperative)
	res.NonCooperativeMean, res.NonCooperativeSD = MeanSD(res.Samples.NonCooperative)

	logger.Info("run finished",
		zap.Int("rings", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("executed", res.Executed),
		zap.Int("expired", res.Expired),
		zap.Float64("wait_mean_s", res.WaitMean),
		zap.Float64("theoretical_deposit", theory.Deposit),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (r *Runner) put(rec types.Record) error {
	if r.sink == nil {
		return nil
	}
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	return r.sink.Put(rec)
}

func ringSamples(rg *ring.Ring, users *types.UserSet, deposit float64) Samples {
	var s Samples
	for _, id := range rg.Members {
		u := users.Get(id)
		if len(u.WaitingTimes) > 0 {
			s.Waiting = append(s.Waiting, u.MeanWaitingTime().Seconds())
		}
		net := u.NetExpense(deposit)
		if u.FullyCooperative() {
			s.Cooperative = append(s.Cooperative, net)
		} else {
			s.NonCooperative = append(s.NonCooperative, net)
		}
	}
	return s
}
