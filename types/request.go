package types

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"
)

// RequestNamespace roots the deterministic request identifiers
var RequestNamespace = uuid.MustParse("5b0c8f7e-2a43-4c1e-9d3a-6f1f0e6c9a11")

// RequestStatus is the lifecycle state of a payment request
type RequestStatus int

const (
	StatusPending RequestStatus = iota
	StatusConfirmedInsufficient
	StatusConfirmedSufficient
	StatusExecuted
	StatusExpired
)

// String returns a human-readable status
func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmedInsufficient:
		return "confirmed-insufficient"
	case StatusConfirmedSufficient:
		return "confirmed-sufficient"
	case StatusExecuted:
		return "executed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal returns true for executed and expired requests
func (s RequestStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusExpired
}

// requestTransitions lists every legal status change
var requestTransitions = map[RequestStatus][]RequestStatus{
	StatusPending:               {StatusConfirmedSufficient, StatusConfirmedInsufficient, StatusExpired},
	StatusConfirmedInsufficient: {StatusExpired},
	StatusConfirmedSufficient:   {StatusExecuted},
}

// PaymentRequest is an anonymous payment riding one bus seat
type PaymentRequest struct {
	ID              uuid.UUID
	ServiceProvider string
	Amount          float64
	SurrogateKey    PublicKey
	Signature       Signature

	Confirmations int
	Status        RequestStatus

	ScheduledAt time.Duration // when the payment became due
	InsertedAt  time.Duration // when it was written into the seat
	Epoch       int
}

// NewRequestID derives a request identifier from the ring, the circulation
// round and the seat; it is reproducible under a fixed seed
func NewRequestID(ringID int, round uint64, seat int) uuid.UUID {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:], uint64(ringID))
	binary.BigEndian.PutUint64(buf[8:], round)
	binary.BigEndian.PutUint64(buf[16:], uint64(seat))
	return uuid.NewSHA1(RequestNamespace, buf)
}

// SigningMessage returns the content the surrogate key signs
func (r *PaymentRequest) SigningMessage() []byte {
	msg := make([]byte, 0, 16+8+len(r.ServiceProvider))
	msg = append(msg, r.ID[:]...)

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(r.Amount))
	msg = append(msg, buf...)

	msg = append(msg, r.ServiceProvider...)
	return msg
}

// Hash computes the hash of the request content
func (r *PaymentRequest) Hash() Hash {
	h := sha256.New()
	h.Write(r.SigningMessage())
	h.Write(r.SurrogateKey[:])

	var hash Hash
	copy(hash[:], h.Sum(nil))
	return hash
}

// Transition moves the request to the next status if the change is legal
func (r *PaymentRequest) Transition(to RequestStatus) error {
	for _, allowed := range requestTransitions[r.Status] {
		if allowed == to {
			r.Status = to
			return nil
		}
	}
	return Violation("request", "illegal transition %s -> %s for %s", r.Status, to, r.ID)
}

// Vote is one confirmation cast by a ring member for a request
type Vote struct {
	RequestID uuid.UUID
	Voter     UserID
}

// VoteSet tracks confirmation votes for one request
type VoteSet struct {
	RequestID uuid.UUID
	Voters    map[UserID]struct{}
}

// NewVoteSet creates a new vote set
func NewVoteSet(requestID uuid.UUID) *VoteSet {
	return &VoteSet{
		RequestID: requestID,
		Voters:    make(map[UserID]struct{}),
	}
}

// Add adds a vote to the set, returns true if it's new
func (vs *VoteSet) Add(voter UserID) bool {
	if _, exists := vs.Voters[voter]; exists {
		return false
	}
	vs.Voters[voter] = struct{}{}
	return true
}

// Has returns true if voter already confirmed
func (vs *VoteSet) Has(voter UserID) bool {
	_, ok := vs.Voters[voter]
	return ok
}

// Size returns the number of votes
func (vs *VoteSet) Size() int {
	return len(vs.Voters)
}
