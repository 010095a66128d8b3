// Package lock tracks the coarse (reporting group, date) editing locks on the
// client. Canonical state moves only on hub broadcasts.
package lock

import (
	"fmt"
	"sort"
	"sync"

	"attendsync/internal/register"
)

// RecordLocker stamps a confirmed lock status onto cached records.
type RecordLocker interface {
	ApplyLock(key register.LockKey, status register.LockStatus) int
}

// Coordinator holds confirmed lock states and locally requested toggles.
type Coordinator struct {
	mu      sync.RWMutex
	states  map[register.LockKey]register.LockState
	pending map[register.LockKey]register.LockStatus
	records RecordLocker
}

// NewCoordinator creates a coordinator. records may be nil.
func NewCoordinator(records RecordLocker) *Coordinator {
	return &Coordinator{
		states:  make(map[register.LockKey]register.LockState),
		pending: make(map[register.LockKey]register.LockStatus),
		records: records,
	}
}

// Load replaces every confirmed state, as delivered by a snapshot.
func (c *Coordinator) Load(states []register.LockState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = make(map[register.LockKey]register.LockState, len(states))
	c.pending = make(map[register.LockKey]register.LockStatus)
	for _, st := range states {
		c.states[st.LockKey] = st
	}
}

// Status returns the confirmed status of key. Unknown keys are unlocked.
func (c *Coordinator) Status(key register.LockKey) register.LockStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.states[key]; ok {
		return st.Status
	}
	return register.Unlocked
}

// Effective returns the requested status while a toggle is in flight and the
// confirmed status otherwise. It is for display only.
func (c *Coordinator) Effective(key register.LockKey) register.LockStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.pending[key]; ok {
		return st
	}
	if st, ok := c.states[key]; ok {
		return st.Status
	}
	return register.Unlocked
}

// Pending reports an in-flight toggle for key.
func (c *Coordinator) Pending(key register.LockKey) (register.LockStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.pending[key]
	return st, ok
}

// RequestToggle validates a toggle locally and records it as pending.
// Non-admin callers are refused without a round-trip.
func (c *Coordinator) RequestToggle(user register.UserInfo, key register.LockKey) (register.LockStatus, error) {
	if !user.Role.IsAdmin() {
		return "", fmt.Errorf("%w: only administrators can change locks", register.ErrPermission)
	}
	if key.Group == "" || !register.ValidDate(key.Date) {
		return "", fmt.Errorf("%w: lock key %s", register.ErrValidation, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current := register.Unlocked
	if st, ok := c.states[key]; ok {
		current = st.Status
	}
	target := current.Toggle()
	c.pending[key] = target
	return target, nil
}

// CancelPending drops an in-flight toggle, used when the send failed.
func (c *Coordinator) CancelPending(key register.LockKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}

// Apply records a confirmed broadcast and stamps the records of that group
// and date. It returns the number of records changed.
func (c *Coordinator) Apply(st register.LockState) int {
	c.mu.Lock()
	c.states[st.LockKey] = st
	delete(c.pending, st.LockKey)
	c.mu.Unlock()

	if c.records == nil {
		return 0
	}
	return c.records.ApplyLock(st.LockKey, st.Status)
}

// States returns every confirmed state ordered by group then date.
func (c *Coordinator) States() []register.LockState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]register.LockState, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Date < out[j].Date
	})
	return out
}
