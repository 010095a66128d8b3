// Package store is the client-side cache of the attendance grid. Every change
// goes through ApplySnapshot, ApplyPatch or ApplyLock.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"attendsync/internal/register"
)

// Snapshot is a full replacement of the cached state.
type Snapshot struct {
	Group   string
	Month   string
	Rows    []register.Row
	Locks   []register.LockState
	Metrics []register.MetricsRecord
}

// Store caches attendance rows and metrics rows.
type Store struct {
	mu      sync.RWMutex
	group   string
	month   string
	rows    []register.Row
	index   map[string]int
	locks   map[register.LockKey]register.LockStatus
	metrics []register.MetricsRecord
	version uint64
	loaded  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		index: make(map[string]int),
		locks: make(map[register.LockKey]register.LockStatus),
	}
}

// ApplySnapshot replaces the full cache. Lock states are stamped onto the
// records of their group and date.
func (s *Store) ApplySnapshot(snap Snapshot) {
	rows := make([]register.Row, len(snap.Rows))
	index := make(map[string]int, len(snap.Rows))
	for i, r := range snap.Rows {
		rows[i] = r.Clone()
		if rows[i].Days == nil {
			rows[i].Days = make(map[string]register.DayEntry)
		}
		index[r.EmployeeID] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.group = snap.Group
	s.month = snap.Month
	s.rows = rows
	s.index = index
	s.metrics = append([]register.MetricsRecord(nil), snap.Metrics...)
	s.locks = make(map[register.LockKey]register.LockStatus, len(snap.Locks))
	for _, l := range snap.Locks {
		s.locks[l.LockKey] = l.Status
	}
	for _, l := range snap.Locks {
		s.stampLocked(l.LockKey)
	}
	s.loaded = true
	s.version++
}

// ApplyPatch sets one field of one (employee, date) entry and returns the
// previous value. Other fields and rows are untouched.
func (s *Store) ApplyPatch(p register.Patch) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[p.EmployeeID]
	if !ok {
		return "", fmt.Errorf("%w: employee %s", register.ErrNotFound, p.EmployeeID)
	}
	day, ok := s.rows[i].Days[p.Date]
	if !ok {
		return "", fmt.Errorf("%w: employee %s has no entry for %s", register.ErrNotFound, p.EmployeeID, p.Date)
	}
	old := day.Get(p.Field)
	day.Set(p.Field, p.NewValue)
	s.rows[i].Days[p.Date] = day
	s.version++
	return old, nil
}

// ApplyLock records the status of (group, date) and restamps the records of
// that group on that date. A record is locked while any of its groups is
// locked on the date. It returns the number of records changed.
func (s *Store) ApplyLock(key register.LockKey, status register.LockStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[key] = status
	n := s.stampLocked(key)
	if n > 0 {
		s.version++
	}
	return n
}

func (s *Store) stampLocked(key register.LockKey) int {
	n := 0
	for i := range s.rows {
		row := &s.rows[i]
		if !row.InGroup(key.Group) {
			continue
		}
		day, ok := row.Days[key.Date]
		if !ok {
			continue
		}
		status := register.Unlocked
		for _, g := range row.ReportingGroups {
			if s.locks[register.LockKey{Group: g, Date: key.Date}] == register.Locked {
				status = register.Locked
				break
			}
		}
		if day.LockStatus == status {
			continue
		}
		day.LockStatus = status
		row.Days[key.Date] = day
		n++
	}
	return n
}

// LockStatus returns the recorded status of (group, date).
func (s *Store) LockStatus(key register.LockKey) register.LockStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.locks[key]; ok {
		return st
	}
	return register.Unlocked
}

// Record returns the entry for (employee, date) and its row.
func (s *Store) Record(employeeID, date string) (register.DayEntry, register.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[employeeID]
	if !ok {
		return register.DayEntry{}, register.Row{}, false
	}
	day, ok := s.rows[i].Days[date]
	if !ok {
		return register.DayEntry{}, register.Row{}, false
	}
	return day, s.rows[i].Clone(), true
}

// Rows returns a copy of every cached row in snapshot order.
func (s *Store) Rows() []register.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]register.Row, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Clone()
	}
	return out
}

// Metrics returns a copy of the cached metrics rows.
func (s *Store) Metrics() []register.MetricsRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]register.MetricsRecord(nil), s.metrics...)
}

// Scope returns the group and month of the loaded snapshot.
func (s *Store) Scope() (group, month string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.group, s.month
}

// Loaded reports whether a snapshot has been applied.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Digest is a content hash of rows and metrics, independent of the version
// counter. Two stores with equal content have equal digests.
func (s *Store) Digest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]register.Row, len(s.rows))
	copy(rows, s.rows)
	metrics := append([]register.MetricsRecord(nil), s.metrics...)

	sort.Slice(rows, func(i, j int) bool { return rows[i].EmployeeID < rows[j].EmployeeID })
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].PunchCode != metrics[j].PunchCode {
			return metrics[i].PunchCode < metrics[j].PunchCode
		}
		return metrics[i].Date < metrics[j].Date
	})

	// json.Marshal sorts map keys, so day maps encode deterministically.
	data, _ := json.Marshal(struct {
		Rows    []register.Row
		Metrics []register.MetricsRecord
	}{rows, metrics})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
