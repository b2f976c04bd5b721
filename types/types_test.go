package types

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero k", func(c *Config) { c.K = 0 }, "k"},
		{"single member", func(c *Config) { c.K, c.Alpha = 1, 0 }, "k+alpha"},
		{"threshold too high", func(c *Config) { c.Threshold = c.RingSize() }, "threshold"},
		{"threshold zero", func(c *Config) { c.Threshold = 0 }, "threshold"},
		{"no hop", func(c *Config) { c.HopDuration = 0 }, "hop_duration"},
		{"no epochs", func(c *Config) { c.Epochs = 0 }, "epochs"},
		{"negative deposit", func(c *Config) { c.Deposit = -1 }, "deposit"},
		{"slash above one", func(c *Config) { c.SlashFraction = 1.5 }, "slash_fraction"},
		{"trust outside bounds", func(c *Config) { c.InitialTrust = c.TrustMax + 1 }, "initial_trust"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("expected field %q, got %v", tt.field, err)
			}
		})
	}
}

func TestPopulation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.K, cfg.Alpha, cfg.Beta = 100, 30, 4
	if cfg.RingSize() != 130 {
		t.Errorf("RingSize: got %d, want 130", cfg.RingSize())
	}
	if cfg.Population() != 520 {
		t.Errorf("Population: got %d, want 520", cfg.Population())
	}
}

func TestUserPaymentLifecycle(t *testing.T) {
	u := NewUser(1, RoleCooperative, 1)
	u.Wallet = 100
	u.Payments = []ScheduledPayment{{At: 10 * time.Second, Amount: 30}, {At: time.Minute, Amount: 5}}

	if u.HasDuePayment(5 * time.Second) {
		t.Error("payment due before its time")
	}
	p := u.TakeDuePayment(15 * time.Second)
	if p == nil || p.Amount != 30 {
		t.Fatalf("expected the first payment, got %+v", p)
	}
	if u.HasDuePayment(2 * time.Minute) {
		t.Error("a pending payment must block the next one")
	}
	if !u.HasOutstandingPayment(2 * time.Minute) {
		t.Error("pending head should still be outstanding")
	}

	if err := u.SettlePayment(40 * time.Second); err != nil {
		t.Fatal(err)
	}
	if u.Wallet != 70 {
		t.Errorf("wallet: got %v, want 70", u.Wallet)
	}
	if u.MeanWaitingTime() != 30*time.Second {
		t.Errorf("waiting time: got %v, want 30s", u.MeanWaitingTime())
	}
	if err := u.SettlePayment(time.Minute); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected violation settling without a pending payment, got %v", err)
	}

	u.TakeDuePayment(2 * time.Minute)
	u.DropPayment()
	if u.Dropped != 1 || len(u.Payments) != 0 || u.Pending != nil {
		t.Errorf("drop left %d payments, pending %v, dropped %d", len(u.Payments), u.Pending, u.Dropped)
	}
	if u.Wallet != 70 {
		t.Errorf("dropped payment moved the wallet: %v", u.Wallet)
	}
}

func TestNetExpense(t *testing.T) {
	u := NewUser(1, RoleCooperative, 1)
	u.Expenses = 3
	u.Refunded = 12
	if got := u.NetExpense(10); got != 1 {
		t.Errorf("NetExpense: got %v, want 1", got)
	}
}

func TestFullyCooperative(t *testing.T) {
	if !NewUser(1, RoleCooperative, 1).FullyCooperative() {
		t.Error("level 1 cooperative user")
	}
	if NewUser(2, RoleCooperative, 0.6).FullyCooperative() {
		t.Error("partial cooperation")
	}
	if NewUser(3, RoleFreeRider, 1).FullyCooperative() {
		t.Error("free rider")
	}
}

func TestUserSet(t *testing.T) {
	us := NewUserSet()
	for i := 0; i < 3; i++ {
		u := NewUser(UserID(i), RoleCooperative, 1)
		u.Deposit = 10
		u.Wallet = float64(i)
		if !us.Add(u) {
			t.Fatalf("Add(%d) failed", i)
		}
	}
	if us.Add(NewUser(1, RoleFreeRider, 0)) {
		t.Error("duplicate user accepted")
	}
	if us.Size() != 3 || us.IndexOf(2) != 2 || us.IndexOf(7) != -1 {
		t.Errorf("unexpected set layout")
	}
	if us.GetByIndex(5) != nil {
		t.Error("out of range index")
	}
	if us.TotalDeposit() != 30 || us.TotalWallet() != 3 {
		t.Errorf("totals: deposit %v wallet %v", us.TotalDeposit(), us.TotalWallet())
	}
	if us.PendingDemand() {
		t.Error("no payments scheduled")
	}
}

func TestRequestTransitions(t *testing.T) {
	r := &PaymentRequest{ID: NewRequestID(1, 2, 3)}
	if err := r.Transition(StatusExecuted); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("pending -> executed should be illegal, got %v", err)
	}
	if err := r.Transition(StatusConfirmedSufficient); err != nil {
		t.Fatal(err)
	}
	if err := r.Transition(StatusExpired); err == nil {
		t.Error("sufficient request must not expire")
	}
	if err := r.Transition(StatusExecuted); err != nil {
		t.Fatal(err)
	}
	if !r.Status.Terminal() {
		t.Error("executed should be terminal")
	}
}

func TestRequestIDDeterministic(t *testing.T) {
	if NewRequestID(1, 2, 3) != NewRequestID(1, 2, 3) {
		t.Error("request id not reproducible")
	}
	if NewRequestID(1, 2, 3) == NewRequestID(1, 3, 2) {
		t.Error("distinct seats share an id")
	}
}

func TestVoteSet(t *testing.T) {
	vs := NewVoteSet(NewRequestID(0, 0, 0))
	if !vs.Add(4) || vs.Add(4) {
		t.Error("duplicate vote counted")
	}
	if !vs.Has(4) || vs.Has(5) || vs.Size() != 1 {
		t.Error("unexpected vote set content")
	}
}

func TestEpochLifecycle(t *testing.T) {
	e := NewEpoch(0, 0, time.Hour)
	if !e.Contains(0) || e.Contains(time.Hour) {
		t.Error("epoch window is [start, end)")
	}
	if err := e.Close(); err == nil {
		t.Error("open epoch closed without settlement")
	}
	if err := e.BeginSettlement(); err != nil {
		t.Fatal(err)
	}
	if err := e.BeginSettlement(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("second settlement: got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	next := e.Next()
	if next.Index != 1 || next.Start != time.Hour || next.End != 2*time.Hour || next.State != EpochOpen {
		t.Errorf("unexpected next epoch %+v", next)
	}
}

func TestPublicKeyBase58(t *testing.T) {
	var pk PublicKey
	for i := range pk {
		pk[i] = byte(i + 1)
	}
	parsed, err := ParsePublicKey(pk.Base58())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != pk {
		t.Error("round trip changed the key")
	}
	if _, err := ParsePublicKey("3mJr7AoUXx2Wqd"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := ParsePublicKey("0OIl"); err == nil {
		t.Error("invalid alphabet accepted")
	}
}
