package edit

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"attendsync/internal/lock"
	"attendsync/internal/protocol"
	"attendsync/internal/register"
	"attendsync/internal/store"
)

// Sender hands an envelope to the channel.
type Sender interface {
	Send(env protocol.Envelope) error
}

// DisplayMode selects what the grid is showing.
type DisplayMode string

const (
	ModeAttendance DisplayMode = "attendance"
	// ModeDiff shows metrics and mismatches and is read-only.
	ModeDiff DisplayMode = "diff"
)

// Config tunes the pipeline.
type Config struct {
	ElevationWindow time.Duration
	CommitTimeout   time.Duration
}

// Pipeline governs cell edits of one client session.
type Pipeline struct {
	store     *store.Store
	locks     *lock.Coordinator
	sender    Sender
	sessions  *SessionStore
	fsm       *FSM
	pending   *PendingTable
	elevation *Elevation
	logger    zerolog.Logger

	user register.UserInfo
	mode DisplayMode
	now  func() time.Time
	ids  func() string
}

// NewPipeline wires a pipeline over the client's store and lock coordinator.
func NewPipeline(st *store.Store, locks *lock.Coordinator, sender Sender, verifier Verifier, cfg Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:     st,
		locks:     locks,
		sender:    sender,
		sessions:  NewSessionStore(),
		fsm:       NewFSM(),
		pending:   NewPendingTable(cfg.CommitTimeout),
		elevation: NewElevation(verifier, cfg.ElevationWindow),
		logger:    logger.With().Str("component", "edit").Logger(),
		mode:      ModeAttendance,
		now:       time.Now,
		ids:       uuid.NewString,
	}
}

// SetUser sets the operator the pipeline acts for.
func (p *Pipeline) SetUser(u register.UserInfo) {
	p.user = u
	p.elevation.Revoke()
}

// User returns the current operator.
func (p *Pipeline) User() register.UserInfo { return p.user }

// SetMode switches the display mode; diff mode closes every open session.
func (p *Pipeline) SetMode(m DisplayMode) {
	p.mode = m
	if m == ModeDiff {
		p.sessions.Clear()
	}
}

// Mode returns the display mode.
func (p *Pipeline) Mode() DisplayMode { return p.mode }

// Elevate answers the admin challenge.
func (p *Pipeline) Elevate(secret string) error {
	if !p.user.Role.IsAdmin() {
		return fmt.Errorf("%w: elevation is for administrators", register.ErrPermission)
	}
	return p.elevation.Grant(secret, p.now())
}

// Elevation exposes the session-scoped grant.
func (p *Pipeline) Elevation() *Elevation { return p.elevation }

// Pending exposes the in-flight mutation table.
func (p *Pipeline) Pending() *PendingTable { return p.pending }

// Sessions exposes the active cell sessions.
func (p *Pipeline) Sessions() *SessionStore { return p.sessions }

// CanEdit reports why a cell may not be activated, or nil.
func (p *Pipeline) CanEdit(key CellKey) error {
	if !key.Field.Editable() {
		return fmt.Errorf("%w: field %q is not editable", register.ErrPermission, key.Field)
	}
	if p.mode == ModeDiff {
		return fmt.Errorf("%w: diff view is read-only", register.ErrPermission)
	}
	if p.user.ID == "" {
		return fmt.Errorf("%w: no operator set", register.ErrPermission)
	}
	day, row, ok := p.store.Record(key.EmployeeID, key.Date)
	if !ok {
		return fmt.Errorf("%w: %s on %s", register.ErrNotFound, key.EmployeeID, key.Date)
	}
	if day.LockStatus == register.Locked {
		return fmt.Errorf("%w: %s is locked", register.ErrPermission, key.Date)
	}
	for _, g := range row.ReportingGroups {
		if p.locks.Status(register.LockKey{Group: g, Date: key.Date}) == register.Locked {
			return fmt.Errorf("%w: group %s is locked on %s", register.ErrPermission, g, key.Date)
		}
	}
	if !p.user.CanEditRow(row) {
		return fmt.Errorf("%w: %s is outside your reporting groups", register.ErrPermission, key.EmployeeID)
	}
	if p.user.Role.IsAdmin() && !p.elevation.Valid(p.now()) {
		return fmt.Errorf("%w: administrator edits need re-authentication", register.ErrPermission)
	}
	return nil
}

// Activate opens an edit session on a cell.
func (p *Pipeline) Activate(key CellKey) (*Session, error) {
	if err := p.CanEdit(key); err != nil {
		return nil, err
	}
	if s := p.sessions.Get(key); s != nil && s.GetState() == StateEditing {
		return s, nil
	}
	day, _, _ := p.store.Record(key.EmployeeID, key.Date)
	s := NewSession(key, day.Get(key.Field), p.now())
	p.sessions.Put(s)
	return s, nil
}

// Input records raw typing. The shift cell is normalized as typed.
func (p *Pipeline) Input(key CellKey, raw string) (string, error) {
	s := p.sessions.Get(key)
	if s == nil || s.GetState() != StateEditing {
		return "", fmt.Errorf("%w: cell is not being edited", register.ErrPermission)
	}
	value := raw
	if key.Field == register.FieldShift {
		value = NormalizeShift(raw)
	}
	s.SetPending(value, p.now())
	return value, nil
}

// Cancel discards the session without committing.
func (p *Pipeline) Cancel(key CellKey) {
	if s := p.sessions.Get(key); s != nil {
		p.fsm.Transition(s, StateViewing, p.now())
	}
	p.sessions.Delete(key)
}

// Blur is loss of focus; it discards like Cancel.
func (p *Pipeline) Blur(key CellKey) {
	p.Cancel(key)
}

// Commit normalizes the pending value and, when it differs from the original,
// applies it optimistically and sends the minimal patch. A nil mutation with
// a nil error means nothing changed.
func (p *Pipeline) Commit(key CellKey) (*Mutation, error) {
	s := p.sessions.Get(key)
	if s == nil {
		return nil, fmt.Errorf("%w: cell is not being edited", register.ErrPermission)
	}
	if !p.fsm.Transition(s, StateCommitting, p.now()) {
		return nil, fmt.Errorf("%w: session is %s", register.ErrPermission, s.GetState())
	}
	defer p.sessions.Delete(key)

	// Lock or role may have changed since activation.
	if err := p.CanEdit(key); err != nil {
		p.fsm.Transition(s, StateViewing, p.now())
		return nil, err
	}

	value, err := Normalize(key.Field, s.Pending())
	if err != nil {
		p.fsm.Transition(s, StateViewing, p.now())
		return nil, err
	}
	if value == s.OriginalValue {
		p.fsm.Transition(s, StateViewing, p.now())
		return nil, nil
	}

	patch := register.Patch{
		EmployeeID: key.EmployeeID,
		Date:       key.Date,
		Field:      key.Field,
		NewValue:   value,
		OldValue:   s.OriginalValue,
	}
	m, err := p.Submit(patch)
	p.fsm.Transition(s, StateViewing, p.now())
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Submit applies an already-normalized patch optimistically, registers it as
// pending and sends it. A failed send is rolled back at once.
func (p *Pipeline) Submit(patch register.Patch) (Mutation, error) {
	id := p.ids()
	if _, err := p.store.ApplyPatch(patch); err != nil {
		return Mutation{}, err
	}
	m := p.pending.Add(id, patch, p.now())

	if err := p.sender.Send(protocol.UpdateAttendance(id, patch)); err != nil {
		p.pending.Take(id)
		p.revert(m)
		return Mutation{}, fmt.Errorf("send update: %w", err)
	}
	p.logger.Debug().
		Str("mutation_id", id).
		Str("employee_id", patch.EmployeeID).
		Str("date", patch.Date).
		Str("field", string(patch.Field)).
		Msg("edit committed")
	return m, nil
}

// Confirm settles a mutation acknowledged by the hub.
func (p *Pipeline) Confirm(id string) (Mutation, bool) {
	return p.pending.Take(id)
}

// Reject rolls back a mutation refused by the hub. It returns false for
// unknown ids.
func (p *Pipeline) Reject(id string) (Mutation, bool) {
	m, ok := p.pending.Take(id)
	if !ok {
		return Mutation{}, false
	}
	p.revert(m)
	return m, true
}

// ExpirePending rolls back every mutation past its deadline.
func (p *Pipeline) ExpirePending() []Mutation {
	expired := p.pending.Expired(p.now())
	for _, m := range expired {
		p.logger.Warn().Str("mutation_id", m.ID).Msg("edit not acknowledged in time, rolling back")
		p.revert(m)
	}
	return expired
}

// revert restores the old value unless a later broadcast already replaced
// the optimistic one. When a later pending edit sits on top of m, that edit
// inherits m's old value instead.
func (p *Pipeline) revert(m Mutation) bool {
	if p.pending.HandOff(m) {
		return false
	}
	day, _, ok := p.store.Record(m.Patch.EmployeeID, m.Patch.Date)
	if !ok || day.Get(m.Patch.Field) != m.Patch.NewValue {
		return false
	}
	if _, err := p.store.ApplyPatch(m.Patch.Inverse()); err != nil {
		p.logger.Error().Err(err).Str("mutation_id", m.ID).Msg("rollback failed")
		return false
	}
	return true
}

// ObserveBroadcast checks a confirmed patch from another writer against the
// local pending state and reports a stale write when they disagree.
func (p *Pipeline) ObserveBroadcast(d protocol.UpdateDetails) error {
	m, ok := p.pending.ForCell(d.EmployeeID, d.EditDate, d.Field)
	if !ok || m.ID == d.MutationID || m.Patch.NewValue == d.NewValue {
		return nil
	}
	return fmt.Errorf("%w: %s %s %s overwritten by another editor", register.ErrStaleWrite, d.EmployeeID, d.EditDate, d.Field)
}

// IsLocalError reports errors raised before any network round-trip.
func IsLocalError(err error) bool {
	return errors.Is(err, register.ErrValidation) || errors.Is(err, register.ErrPermission) || errors.Is(err, register.ErrNotFound)
}
