package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// Hash represents a 32-byte hash
type Hash [32]byte

// EmptyHash is the zero hash
var EmptyHash = Hash{}

// PublicKey represents a BLS surrogate public key (48 bytes)
type PublicKey [48]byte

// Signature represents a BLS signature (96 bytes)
type Signature [96]byte

// SecretKey represents a BLS secret key (32 bytes)
type SecretKey [32]byte

// String returns the hex representation of a public key
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Short returns a short base58 representation of a public key
func (pk PublicKey) Short() string {
	s := base58.Encode(pk[:])
	if len(s) > 8 {
		return s[:8] + "..."
	}
	return s
}

// Base58 returns the full base58 encoding of a public key
func (pk PublicKey) Base58() string {
	return base58.Encode(pk[:])
}

// ParsePublicKey decodes a base58 public key
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	data, err := base58.Decode(s)
	if err != nil {
		return pk, err
	}
	if len(data) != len(pk) {
		return pk, fmt.Errorf("public key is %d bytes, want %d", len(data), len(pk))
	}
	copy(pk[:], data)
	return pk, nil
}

// IsZero returns true if the public key is all zeros
func (pk PublicKey) IsZero() bool {
	for _, b := range pk {
		if b != 0 {
			return false
		}
	}
	return true
}

// UserID identifies a user in the campaign population
type UserID int

// Role is the behavioral class of a user
type Role int

const (
	// RoleCooperative users relay, insert and confirm
	RoleCooperative Role = iota
	// RoleFreeRider users never insert real traffic and only forward
	RoleFreeRider
	// RoleObserver users behave like cooperative ones; the role only
	// tags them for analysis
	RoleObserver
)

// String returns a human-readable role name
func (r Role) String() string {
	switch r {
	case RoleCooperative:
		return "cooperative"
	case RoleFreeRider:
		return "free-rider"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// ScheduledPayment is one entry of a user's payment demand
type ScheduledPayment struct {
	At              time.Duration // logical time the payment becomes due
	Amount          float64       // amount, USD
	ServiceProvider string
}

// User holds the behavioral and economic state of one ring member
type User struct {
	ID               UserID
	Role             Role
	CooperationLevel float64 // probability of cooperating without a due payment

	SurrogateKey    PublicKey // pseudonymous signing key, unlinkable to ID
	SurrogateSecret SecretKey `json:"-"`

	Trust   float64 // trust score, moved only by trust rule outcomes
	Deposit float64 // refundable deposit balance, moved only by the ledger

	Wallet   float64
	Payments []ScheduledPayment // queue of future payments, ordered by At
	Pending  *ScheduledPayment  // payment riding the bus, at most one

	Expenses     float64 // gas spent, USD
	Refunded     float64 // deposit and rewards paid back, USD
	WaitingTimes []time.Duration
	Dropped      int // requests that expired without confirmation
}

// NewUser creates a new user
func NewUser(id UserID, role Role, cooperationLevel float64) *User {
	return &User{
		ID:               id,
		Role:             role,
		CooperationLevel: cooperationLevel,
		Trust:            InitialTrust,
		Payments:         make([]ScheduledPayment, 0),
		WaitingTimes:     make([]time.Duration, 0),
	}
}

// IsCooperative reports whether the user belongs to the cooperative group
func (u *User) IsCooperative() bool {
	return u.Role != RoleFreeRider
}

// FullyCooperative reports members that always take part; expense statistics
// split the ring along this line
func (u *User) FullyCooperative() bool {
	return u.IsCooperative() && u.CooperationLevel >= 1
}

// HasDuePayment returns true if the next payment is due at now
func (u *User) HasDuePayment(now time.Duration) bool {
	return u.Pending == nil && len(u.Payments) > 0 && u.Payments[0].At <= now
}

// HasOutstandingPayment returns true if the head of the queue is due, whether
// or not it already rides the bus
func (u *User) HasOutstandingPayment(now time.Duration) bool {
	return len(u.Payments) > 0 && u.Payments[0].At <= now
}

// TakeDuePayment marks the next due payment as pending and returns it
func (u *User) TakeDuePayment(now time.Duration) *ScheduledPayment {
	if !u.HasDuePayment(now) {
		return nil
	}
	p := u.Payments[0]
	u.Pending = &p
	return u.Pending
}

// SettlePayment finalizes the pending payment at now
func (u *User) SettlePayment(now time.Duration) error {
	if u.Pending == nil || len(u.Payments) == 0 {
		return Violation("pay", "user %d has no pending payment", u.ID)
	}
	u.Payments = u.Payments[1:]
	u.WaitingTimes = append(u.WaitingTimes, now-u.Pending.At)
	u.Wallet -= u.Pending.Amount
	u.Pending = nil
	return nil
}

// DropPayment discards the pending payment after its request expired
func (u *User) DropPayment() {
	if u.Pending == nil {
		return
	}
	if len(u.Payments) > 0 {
		u.Payments = u.Payments[1:]
	}
	u.Pending = nil
	u.Dropped++
}

// MeanWaitingTime returns the mean waiting time over executed payments
func (u *User) MeanWaitingTime() time.Duration {
	if len(u.WaitingTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, w := range u.WaitingTimes {
		total += w
	}
	return total / time.Duration(len(u.WaitingTimes))
}

// NetExpense is what participation cost the user: gas spent plus deposit
// posted minus everything refunded
func (u *User) NetExpense(posted float64) float64 {
	return u.Expenses - u.Refunded + posted
}

// UserSet represents an ordered set of users
type UserSet struct {
	Users []*User
	ByID  map[UserID]*User
}

// NewUserSet creates a new user set
func NewUserSet() *UserSet {
	return &UserSet{
		Users: make([]*User, 0),
		ByID:  make(map[UserID]*User),
	}
}

// Add adds a user to the set, returns false if it is already present
func (us *UserSet) Add(u *User) bool {
	if _, exists := us.ByID[u.ID]; exists {
		return false
	}
	us.Users = append(us.Users, u)
	us.ByID[u.ID] = u
	return true
}

// Get retrieves a user by ID
func (us *UserSet) Get(id UserID) *User {
	return us.ByID[id]
}

// GetByIndex retrieves a user by index
func (us *UserSet) GetByIndex(index int) *User {
	if index < 0 || index >= len(us.Users) {
		return nil
	}
	return us.Users[index]
}

// IndexOf returns the index of a user
func (us *UserSet) IndexOf(id UserID) int {
	for i, u := range us.Users {
		if u.ID == id {
			return i
		}
	}
	return -1
}

// Size returns the number of users
func (us *UserSet) Size() int {
	return len(us.Users)
}

// TotalDeposit returns the sum of deposit balances
func (us *UserSet) TotalDeposit() float64 {
	var total float64
	for _, u := range us.Users {
		total += u.Deposit
	}
	return total
}

// TotalWallet returns the sum of wallet balances
func (us *UserSet) TotalWallet() float64 {
	var total float64
	for _, u := range us.Users {
		total += u.Wallet
	}
	return total
}

// PendingDemand returns true if any user still has scheduled payments
func (us *UserSet) PendingDemand() bool {
	for _, u := range us.Users {
		if len(u.Payments) > 0 {
			return true
		}
	}
	return false
}
