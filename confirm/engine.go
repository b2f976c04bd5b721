// Package confirm implements t-confirmation of the requests an exit releases.
package confirm

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/cost"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

var (
	// ErrNoBatch is returned when voting or paying with no batch open
	ErrNoBatch = errors.New("no batch open")

	// ErrVotingClosed is returned for votes cast after the window closed
	ErrVotingClosed = errors.New("voting closed")

	// ErrUnknownRequest is returned for votes on a request outside the batch
	ErrUnknownRequest = errors.New("unknown request")
)

// Options tune an engine
type Options struct {
	// VerifySignatures rejects requests whose signature does not verify
	// against their surrogate key
	VerifySignatures bool
}

type entry struct {
	req   *types.PaymentRequest
	votes *types.VoteSet
}

// Engine runs the confirmation protocol of one ring: the exit opens a batch,
// members vote, and the exit pays what gathered t confirmations.
type Engine struct {
	mu        sync.Mutex
	ringID    int
	threshold int
	members   map[types.UserID]struct{}
	costs     *cost.Model
	opts      Options

	exit    types.UserID
	open    bool // a batch is waiting for Pay
	voting  bool // votes are accepted
	entries map[uuid.UUID]*entry
	order   []uuid.UUID
}

// NewEngine creates an engine for a ring. The threshold must lie in
// [1, len(members)-1].
func NewEngine(ringID int, members []types.UserID, threshold int, costs *cost.Model, opts Options) (*Engine, error) {
	if threshold < 1 || threshold > len(members)-1 {
		return nil, &types.ConfigError{Field: "threshold", Reason: "must lie in [1, k+alpha-1]"}
	}

	set := make(map[types.UserID]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return &Engine{
		ringID:    ringID,
		threshold: threshold,
		members:   set,
		costs:     costs,
		opts:      opts,
		entries:   make(map[uuid.UUID]*entry),
	}, nil
}

// Threshold returns t
func (e *Engine) Threshold() int { return e.threshold }

// StartConfirm opens a batch on behalf of the exit. Every request becomes
// pending; requests with a bad signature expire at once. It returns the
// Merkle root committing to the batch.
func (e *Engine) StartConfirm(exit types.UserID, batch []*types.PaymentRequest) (types.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open {
		return types.EmptyHash, types.Violation("startConfirm", "ring %d: batch already open", e.ringID)
	}
	if _, ok := e.members[exit]; !ok {
		return types.EmptyHash, types.Violation("startConfirm", "ring %d: exit %d is not a member", e.ringID, exit)
	}

	seen := make(map[uuid.UUID]struct{}, len(batch))
	for _, req := range batch {
		if _, dup := seen[req.ID]; dup {
			return types.EmptyHash, types.Violation("startConfirm", "ring %d: request %s twice in batch", e.ringID, req.ID)
		}
		seen[req.ID] = struct{}{}
	}

	e.exit = exit
	e.open = true
	e.voting = true
	e.entries = make(map[uuid.UUID]*entry, len(batch))
	e.order = make([]uuid.UUID, 0, len(batch))

	for _, req := range batch {
		req.Status = types.StatusPending
		req.Confirmations = 0
		e.entries[req.ID] = &entry{req: req, votes: types.NewVoteSet(req.ID)}
		e.order = append(e.order, req.ID)

		if e.opts.VerifySignatures && !crypto.VerifyRequest(req) {
			if err := req.Transition(types.StatusExpired); err != nil {
				return types.EmptyHash, err
			}
		}
	}

	return crypto.BatchRoot(batch), nil
}

// Confirm casts voter's confirmation for one request. Duplicate votes are
// ignored; the originator voting for its own request is a violation. It
// returns true if the vote was counted.
func (e *Engine) Confirm(voter *types.User, id uuid.UUID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.confirm(voter, id)
}

func (e *Engine) confirm(voter *types.User, id uuid.UUID) (bool, error) {
	if !e.open {
		return false, ErrNoBatch
	}
	if !e.voting {
		return false, ErrVotingClosed
	}
	if _, ok := e.members[voter.ID]; !ok {
		return false, types.Violation("confirm", "ring %d: user %d is not a member", e.ringID, voter.ID)
	}
	ent, ok := e.entries[id]
	if !ok {
		return false, ErrUnknownRequest
	}
	if voter.SurrogateKey == ent.req.SurrogateKey {
		return false, types.Violation("confirm", "ring %d: originator confirmed own request %s", e.ringID, id)
	}
	if ent.req.Status.Terminal() || ent.req.Status == types.StatusConfirmedInsufficient {
		return false, nil
	}
	if !ent.votes.Add(voter.ID) {
		return false, nil
	}

	ent.req.Confirmations = ent.votes.Size()
	if ent.req.Confirmations > len(e.members)-1 {
		return false, types.Violation("confirm", "ring %d: request %s has %d confirmations", e.ringID, id, ent.req.Confirmations)
	}
	if ent.req.Status == types.StatusPending && ent.req.Confirmations >= e.threshold {
		if err := ent.req.Transition(types.StatusConfirmedSufficient); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ConfirmBatch sends voter's confirm transaction: one vote on every request
// of the batch it did not originate. The transaction cost is charged to the
// voter. It returns the number of votes counted.
func (e *Engine) ConfirmBatch(voter *types.User) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open {
		return 0, ErrNoBatch
	}
	if !e.voting {
		return 0, ErrVotingClosed
	}

	counted := 0
	for _, id := range e.order {
		if e.entries[id].req.SurrogateKey == voter.SurrogateKey {
			continue
		}
		ok, err := e.confirm(voter, id)
		if err != nil {
			return counted, err
		}
		if ok {
			counted++
		}
	}
	voter.Expenses += e.costs.ConfirmCost()
	return counted, nil
}

// CloseVoting ends the confirmation window: pending requests become
// confirmed-insufficient
func (e *Engine) CloseVoting() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closeVoting()
}

func (e *Engine) closeVoting() {
	if !e.open || !e.voting {
		return
	}
	for _, id := range e.order {
		req := e.entries[id].req
		if req.Status == types.StatusPending {
			// pending -> insufficient is always legal
			_ = req.Transition(types.StatusConfirmedInsufficient)
		}
	}
	e.voting = false
}

// PayResult is the outcome of one pay call
type PayResult struct {
	Executed []*types.PaymentRequest
	Expired  []*types.PaymentRequest
	ExitCost float64
}

// Pay executes every request that gathered t confirmations and expires the
// rest. The exit is charged startConfirm and pay; endEpoch adds the deposit
// settlement carried by the epoch's last batch. There is no retry.
func (e *Engine) Pay(exit *types.User, endEpoch bool) (*PayResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open {
		return nil, ErrNoBatch
	}
	if exit.ID != e.exit {
		return nil, types.Violation("pay", "ring %d: user %d paid for exit %d", e.ringID, exit.ID, e.exit)
	}
	e.closeVoting()

	result := &PayResult{
		Executed: make([]*types.PaymentRequest, 0),
		Expired:  make([]*types.PaymentRequest, 0),
	}
	for _, id := range e.order {
		ent := e.entries[id]
		req := ent.req

		switch req.Status {
		case types.StatusConfirmedSufficient:
			if ent.votes.Size() < e.threshold {
				return nil, types.Violation("pay", "ring %d: request %s executed with %d < %d confirmations",
					e.ringID, id, ent.votes.Size(), e.threshold)
			}
			if err := req.Transition(types.StatusExecuted); err != nil {
				return nil, err
			}
			result.Executed = append(result.Executed, req)
		case types.StatusConfirmedInsufficient:
			if err := req.Transition(types.StatusExpired); err != nil {
				return nil, err
			}
			result.Expired = append(result.Expired, req)
		case types.StatusExpired:
			result.Expired = append(result.Expired, req)
		default:
			return nil, types.Violation("pay", "ring %d: request %s in state %s", e.ringID, id, req.Status)
		}
	}

	result.ExitCost = e.costs.ExitCost(len(e.order), endEpoch)
	exit.Expenses += result.ExitCost

	e.open = false
	e.entries = make(map[uuid.UUID]*entry)
	e.order = nil
	return result, nil
}

// Open reports whether a batch is waiting for Pay
func (e *Engine) Open() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Votes returns the number of confirmations a request of the open batch has
func (e *Engine) Votes(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ent, ok := e.entries[id]; ok {
		return ent.votes.Size()
	}
	return 0
}
