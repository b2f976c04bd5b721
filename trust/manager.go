// Package trust manages member trust scores across the epochs of a ring.
package trust

import (
	"sync"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Manager collects per-epoch observations and applies the trust rule at
// epoch boundaries. Scores live on the users themselves.
type Manager struct {
	mu    sync.RWMutex
	users *types.UserSet
	rule  Rule

	observations map[types.UserID]*Observation
}

// NewManager creates a new trust manager
func NewManager(users *types.UserSet, rule Rule) *Manager {
	m := &Manager{
		users:        users,
		rule:         rule,
		observations: make(map[types.UserID]*Observation),
	}
	for _, u := range users.Users {
		m.observations[u.ID] = &Observation{}
	}
	return m
}

// Rule returns the rule in use
func (m *Manager) Rule() Rule {
	return m.rule
}

func (m *Manager) observation(id types.UserID) *Observation {
	obs, ok := m.observations[id]
	if !ok {
		obs = &Observation{}
		m.observations[id] = obs
	}
	return obs
}

// RecordHop records whether a member forwarded the bus cooperatively
func (m *Manager) RecordHop(id types.UserID, cooperated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obs := m.observation(id)
	if cooperated {
		obs.Cooperations++
	} else {
		obs.Defections++
	}
}

// RecordInsert records a real request written by a member
func (m *Manager) RecordInsert(id types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observation(id).Inserted++
}

// RecordConfirm records a confirmation opportunity and its outcome
func (m *Manager) RecordConfirm(id types.UserID, confirmed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obs := m.observation(id)
	obs.Opportunities++
	if confirmed {
		obs.Confirmed++
		obs.Cooperations++
	} else {
		obs.Defections++
	}
}

// Observation returns a copy of the current epoch's observation
func (m *Manager) Observation(id types.UserID) Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out Observation
	if obs, ok := m.observations[id]; ok {
		out = *obs
	}
	if u := m.users.Get(id); u != nil {
		out.FreeRider = !u.IsCooperative()
	}
	return out
}

// EndEpoch applies the rule to every member and starts a fresh observation
// window. It returns the observations the update was based on.
func (m *Manager) EndEpoch() map[types.UserID]Observation {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := make(map[types.UserID]Observation, len(m.users.Users))
	for _, u := range m.users.Users {
		obs := m.observation(u.ID)
		obs.FreeRider = !u.IsCooperative()
		u.Trust = m.rule.Update(u.Trust, *obs)
		closed[u.ID] = *obs
		m.observations[u.ID] = &Observation{}
	}
	return closed
}

// GetTrust returns the trust of a member
func (m *Manager) GetTrust(id types.UserID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u := m.users.Get(id)
	if u == nil {
		return 0
	}
	return u.Trust
}

// Stats returns trust statistics
type Stats struct {
	Members    int
	AvgTrust   float64
	MinTrust   float64
	MaxTrust   float64
	BelowFloor int // members at or below the reward floor
}

// GetStats returns current trust statistics
func (m *Manager) GetStats(rewardFloor float64) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Members:  len(m.users.Users),
		MinTrust: 1.0,
		MaxTrust: 0.0,
	}
	if stats.Members == 0 {
		stats.MinTrust = 0
		return stats
	}

	var total float64
	for _, u := range m.users.Users {
		total += u.Trust
		if u.Trust < stats.MinTrust {
			stats.MinTrust = u.Trust
		}
		if u.Trust > stats.MaxTrust {
			stats.MaxTrust = u.Trust
		}
		if u.Trust <= rewardFloor {
			stats.BelowFloor++
		}
	}
	stats.AvgTrust = total / float64(stats.Members)

	return stats
}
