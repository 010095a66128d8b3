package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"attendsync/internal/edit"
	"attendsync/internal/events"
	"attendsync/internal/lock"
	"attendsync/internal/mismatch"
	"attendsync/internal/protocol"
	"attendsync/internal/register"
	"attendsync/internal/store"
)

// Channel is the part of Transport the session depends on.
type Channel interface {
	Open(ctx context.Context, deliver func(protocol.Envelope)) error
	Send(env protocol.Envelope) error
	Done() <-chan struct{}
	// Err is the error that ended the connection, if any.
	Err() error
	Close() error
}

// Options configures a client session.
type Options struct {
	User            register.UserInfo
	Verifier        edit.Verifier
	ElevationWindow time.Duration
	CommitTimeout   time.Duration
	// SweepInterval is how often unacknowledged commits are checked.
	SweepInterval time.Duration
}

// Session is one operator's live view of the register. All state changes
// run on the goroutine executing Run.
type Session struct {
	channel  Channel
	store    *store.Store
	locks    *lock.Coordinator
	pipeline *edit.Pipeline
	bus      *events.EventBus
	logger   zerolog.Logger

	inbox    chan protocol.Envelope
	calls    chan call
	sweep    time.Duration
	stopped  chan struct{}
	stopOnce sync.Once

	report mismatch.Report
	seen   uint64
}

type call struct {
	fn   func() error
	done chan error
}

// NewSession wires the client components over a channel.
func NewSession(channel Channel, opts Options, logger zerolog.Logger) *Session {
	st := store.New()
	locks := lock.NewCoordinator(st)
	pipeline := edit.NewPipeline(st, locks, channel, opts.Verifier, edit.Config{
		ElevationWindow: opts.ElevationWindow,
		CommitTimeout:   opts.CommitTimeout,
	}, logger)
	pipeline.SetUser(opts.User)

	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Second
	}
	return &Session{
		channel:  channel,
		store:    st,
		locks:    locks,
		pipeline: pipeline,
		bus:      events.NewEventBus(),
		logger:   logger.With().Str("component", "client").Str("user_id", opts.User.ID).Logger(),
		inbox:    make(chan protocol.Envelope, 256),
		calls:    make(chan call),
		sweep:    sweep,
		stopped:  make(chan struct{}),
	}
}

// Store exposes the cache for reads.
func (s *Session) Store() *store.Store { return s.store }

// Locks exposes the lock coordinator for reads.
func (s *Session) Locks() *lock.Coordinator { return s.locks }

// Pipeline exposes the edit pipeline for reads.
func (s *Session) Pipeline() *edit.Pipeline { return s.pipeline }

// Events exposes the notification bus.
func (s *Session) Events() *events.EventBus { return s.bus }

// Connect opens the channel and announces the operator.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.channel.Open(ctx, s.deliver); err != nil {
		return err
	}
	return s.channel.Send(protocol.SetUserInfo(s.pipeline.User()))
}

func (s *Session) deliver(env protocol.Envelope) {
	select {
	case s.inbox <- env:
	case <-s.stopped:
		s.logger.Debug().Str("action", string(env.Kind())).Msg("session stopped, dropping envelope")
	}
}

// Run is the dispatcher loop. It returns when ctx ends or the channel drops;
// a dropped channel needs a new Connect and RequestSnapshot before editing.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	defer s.stopOnce.Do(func() { close(s.stopped) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-s.inbox:
			s.handle(env)
		case c := <-s.calls:
			c.done <- c.fn()
		case <-ticker.C:
			s.expire()
		case <-s.channel.Done():
			s.drainInbox()
			reason := "channel closed"
			if err := s.channel.Err(); err != nil {
				reason = err.Error()
			}
			s.publish(events.TypeDisconnected, map[string]string{"reason": reason})
			return fmt.Errorf("%w: %s", register.ErrChannelNotOpen, reason)
		}
	}
}

func (s *Session) drainInbox() {
	for {
		select {
		case env := <-s.inbox:
			s.handle(env)
		default:
			return
		}
	}
}

// do runs fn on the dispatcher goroutine and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	c := call{fn: fn, done: make(chan error, 1)}
	select {
	case s.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestSnapshot asks the hub for a full snapshot.
func (s *Session) RequestSnapshot(ctx context.Context, group, month string) error {
	return s.do(ctx, func() error {
		return s.channel.Send(protocol.GetAttendance(group, month))
	})
}

// Elevate answers the administrator challenge.
func (s *Session) Elevate(ctx context.Context, secret string) error {
	return s.do(ctx, func() error { return s.pipeline.Elevate(secret) })
}

// SetMode switches between the attendance and the read-only diff view.
func (s *Session) SetMode(ctx context.Context, mode edit.DisplayMode) error {
	return s.do(ctx, func() error {
		s.pipeline.SetMode(mode)
		return nil
	})
}

// Edit activates a cell, types raw into it and commits. It returns the
// mutation sent, or nil when the normalized value did not change.
func (s *Session) Edit(ctx context.Context, key edit.CellKey, raw string) (*edit.Mutation, error) {
	var m *edit.Mutation
	err := s.do(ctx, func() error {
		if _, err := s.pipeline.Activate(key); err != nil {
			return err
		}
		if _, err := s.pipeline.Input(key, raw); err != nil {
			s.pipeline.Cancel(key)
			return err
		}
		var err error
		m, err = s.pipeline.Commit(key)
		if err == nil && m != nil {
			s.refreshMismatches()
		}
		return err
	})
	return m, err
}

// ToggleLock requests the opposite status for (group, date).
func (s *Session) ToggleLock(ctx context.Context, key register.LockKey) (register.LockStatus, error) {
	var target register.LockStatus
	err := s.do(ctx, func() error {
		var err error
		target, err = s.locks.RequestToggle(s.pipeline.User(), key)
		if err != nil {
			return err
		}
		if err := s.channel.Send(protocol.LockToggle(key, target)); err != nil {
			s.locks.CancelPending(key)
			return err
		}
		return nil
	})
	return target, err
}

// SaveStaged asks the hub to persist staged edits durably.
func (s *Session) SaveStaged(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.channel.Send(protocol.SaveStaged())
	})
}

// Mismatches returns the latest detector report.
func (s *Session) Mismatches(ctx context.Context) (mismatch.Report, error) {
	var r mismatch.Report
	err := s.do(ctx, func() error {
		s.refreshMismatches()
		r = s.report
		return nil
	})
	return r, err
}

// Close tears down the channel.
func (s *Session) Close() error {
	return s.channel.Close()
}

func (s *Session) handle(env protocol.Envelope) {
	switch env.Kind() {
	case protocol.ActionAttendanceData:
		s.onSnapshot(env)
	case protocol.ActionAttendanceUpdate:
		s.onPatch(env)
	case protocol.ActionUpdateResult:
		s.onUpdateResult(env)
	case protocol.ActionLockChanged, protocol.ActionLockStatus:
		s.onLock(env)
	case protocol.ActionDataUpdated:
		s.publish(events.TypePersisted, map[string]any{"saved": env.Saved})
	case protocol.ActionError:
		s.onError(env)
	default:
		s.logger.Debug().Str("action", string(env.Kind())).Msg("ignoring envelope")
	}
}

func (s *Session) onSnapshot(env protocol.Envelope) {
	// Optimistic values die with the grid they were applied to.
	for _, m := range s.pipeline.Pending().Drain() {
		s.logger.Warn().Str("mutation_id", m.ID).Msg("snapshot replaced unacknowledged edit")
	}
	s.pipeline.Sessions().Clear()
	s.store.ApplySnapshot(store.Snapshot{
		Group:   env.ReportingGroup,
		Month:   env.Month,
		Rows:    env.Rows,
		Locks:   env.Locks,
		Metrics: env.Metrics,
	})
	s.locks.Load(env.Locks)
	s.refreshMismatches()
	s.publish(events.TypeSnapshot, map[string]any{
		"reportingGroup": env.ReportingGroup,
		"month":          env.Month,
		"rows":           len(env.Rows),
		"employees":      len(env.Employees),
	})
}

func (s *Session) onPatch(env protocol.Envelope) {
	d := env.UpdateDetails
	if d == nil {
		s.logger.Error().Msg("attendanceUpdated without details")
		return
	}
	if err := s.pipeline.ObserveBroadcast(*d); err != nil {
		s.logger.Warn().Err(err).Msg("concurrent edit")
		s.publish(events.TypeStaleWrite, d)
	}
	if d.MutationID != "" {
		s.pipeline.Confirm(d.MutationID)
	}

	p := register.Patch{EmployeeID: d.EmployeeID, Date: d.EditDate, Field: d.Field, NewValue: d.NewValue}
	if _, err := s.store.ApplyPatch(p); err != nil {
		// Rows outside the loaded group or month are not cached here.
		s.logger.Debug().Err(err).Msg("broadcast patch not applicable")
		return
	}
	s.refreshMismatches()
	s.publish(events.TypePatched, d)
}

func (s *Session) onUpdateResult(env protocol.Envelope) {
	if env.Succeeded() {
		s.pipeline.Confirm(env.MutationID)
		return
	}
	rej := &register.RejectionError{Action: string(protocol.ActionUpdateAttendance), MutationID: env.MutationID, Message: env.Message}
	s.logger.Warn().Err(rej).Msg("edit rejected")
	s.publish(events.TypeRejected, rejectionPayload(rej))
	s.rollback(env.MutationID)
}

func (s *Session) onLock(env protocol.Envelope) {
	st, err := env.LockState()
	if err != nil {
		s.logger.Error().Err(err).Msg("bad lock broadcast")
		return
	}
	changed := s.locks.Apply(st)
	s.publish(events.TypeLockChanged, map[string]any{
		"reportingGroup": st.Group,
		"date":           st.Date,
		"status":         st.Status,
		"changedBy":      st.ChangedBy,
		"records":        changed,
	})
}

func (s *Session) onError(env protocol.Envelope) {
	rej := &register.RejectionError{Action: env.Code, MutationID: env.MutationID, Message: env.Message}
	s.logger.Warn().Err(rej).Msg("hub reported error")
	s.publish(events.TypeServerError, rejectionPayload(rej))
	if env.MutationID != "" {
		s.rollback(env.MutationID)
	}
}

func (s *Session) rollback(id string) {
	m, ok := s.pipeline.Reject(id)
	if !ok {
		return
	}
	s.refreshMismatches()
	s.publish(events.TypeReverted, revertPayload(m, "rejected"))
}

func (s *Session) expire() {
	for _, m := range s.pipeline.ExpirePending() {
		s.publish(events.TypeReverted, revertPayload(m, "timeout"))
	}
}

func (s *Session) refreshMismatches() {
	v := s.store.Version()
	if v == s.seen {
		return
	}
	s.seen = v
	_, month := s.store.Scope()
	dates, _ := register.MonthDates(month)
	s.report = mismatch.Detect(s.store.Rows(), s.store.Metrics(), dates)
	s.publish(events.TypeMismatches, map[string]int{
		"entries": len(s.report.Entries),
		"flagged": len(s.report.Flagged()),
	})
}

func (s *Session) publish(eventType string, payload any) {
	if err := s.bus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("publish failed")
	}
}

func rejectionPayload(rej *register.RejectionError) map[string]string {
	return map[string]string{
		"action":     rej.Action,
		"mutationId": rej.MutationID,
		"message":    rej.Message,
		"error":      rej.Error(),
	}
}

func revertPayload(m edit.Mutation, reason string) map[string]string {
	return map[string]string{
		"mutationId": m.ID,
		"employeeId": m.Patch.EmployeeID,
		"date":       m.Patch.Date,
		"field":      string(m.Patch.Field),
		"restored":   m.Patch.OldValue,
		"reason":     reason,
	}
}

// String describes the session for logs.
func (s *Session) String() string {
	group, month := s.store.Scope()
	return fmt.Sprintf("session(%s %s/%s)", s.pipeline.User().ID, group, month)
}
