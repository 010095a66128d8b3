package edit

import (
	"sort"
	"sync"
	"time"

	"attendsync/internal/register"
)

// DefaultCommitTimeout bounds how long an unacknowledged commit stays applied.
const DefaultCommitTimeout = 10 * time.Second

// Mutation is an optimistic change waiting for the hub's verdict.
type Mutation struct {
	ID       string
	Patch    register.Patch
	SentAt   time.Time
	Deadline time.Time

	seq uint64
}

func (m Mutation) sameCell(o Mutation) bool {
	return m.Patch.EmployeeID == o.Patch.EmployeeID && m.Patch.Date == o.Patch.Date && m.Patch.Field == o.Patch.Field
}

// PendingTable tracks in-flight mutations by client-generated id.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]Mutation
	timeout time.Duration
	seq     uint64
}

// NewPendingTable creates an empty table.
func NewPendingTable(timeout time.Duration) *PendingTable {
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	return &PendingTable{entries: make(map[string]Mutation), timeout: timeout}
}

// Add records a mutation sent at now.
func (t *PendingTable) Add(id string, p register.Patch, now time.Time) Mutation {
	t.mu.Lock()
	t.seq++
	m := Mutation{ID: id, Patch: p, SentAt: now, Deadline: now.Add(t.timeout), seq: t.seq}
	t.entries[id] = m
	t.mu.Unlock()
	return m
}

// Take removes and returns the mutation with id.
func (t *PendingTable) Take(id string) (Mutation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return m, ok
}

// Expired removes and returns every mutation past its deadline, newest first,
// so stacked edits on one cell unwind in reverse order.
func (t *PendingTable) Expired(now time.Time) []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Mutation
	for id, m := range t.entries {
		if !now.Before(m.Deadline) {
			out = append(out, m)
			delete(t.entries, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out
}

// HandOff passes a failed mutation's old value to the next pending mutation
// on the same cell, which was applied on top of it. It reports whether such
// a mutation exists.
func (t *PendingTable) HandOff(failed Mutation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		next Mutation
		ok   bool
	)
	for _, m := range t.entries {
		if m.seq <= failed.seq || !m.sameCell(failed) {
			continue
		}
		if !ok || m.seq < next.seq {
			next, ok = m, true
		}
	}
	if ok {
		next.Patch.OldValue = failed.Patch.OldValue
		t.entries[next.ID] = next
	}
	return ok
}

// ForCell returns the newest pending mutation touching the cell.
func (t *PendingTable) ForCell(employeeID, date string, field register.Field) (Mutation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		found Mutation
		ok    bool
	)
	for _, m := range t.entries {
		p := m.Patch
		if p.EmployeeID != employeeID || p.Date != date || p.Field != field {
			continue
		}
		if !ok || m.seq > found.seq {
			found, ok = m, true
		}
	}
	return found, ok
}

// Len returns the number of in-flight mutations.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain removes and returns everything, used when the grid is replaced.
func (t *PendingTable) Drain() []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mutation, 0, len(t.entries))
	for _, m := range t.entries {
		out = append(out, m)
	}
	t.entries = make(map[string]Mutation)
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
