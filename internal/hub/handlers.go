package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"attendsync/internal/edit"
	"attendsync/internal/metrics"
	"attendsync/internal/protocol"
	"attendsync/internal/register"
)

// Error codes carried by error envelopes.
const (
	CodeBadRequest      = "bad_request"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeRateLimited     = "rate_limited"
	CodeUnknownAction   = "unknown_action"
	CodeInternal        = "internal"
)

const handleTimeout = 10 * time.Second

// handle processes one envelope. Handling is serialized across connections.
func (h *Hub) handle(c *Conn, env protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	metrics.IncEnvelope(string(env.Kind()))
	switch env.Kind() {
	case protocol.ActionSetUserInfo:
		h.handleSetUser(c, env)
	case protocol.ActionGetAttendance:
		h.handleGetAttendance(ctx, c, env)
	case protocol.ActionUpdateAttendance:
		h.handleUpdate(ctx, c, env)
	case protocol.ActionLockToggle:
		h.handleLockToggle(ctx, c, env)
	case protocol.ActionSaveStaged:
		h.handleSave(ctx, c)
	default:
		c.reply(protocol.Error(CodeUnknownAction, fmt.Sprintf("unknown action %q", env.Kind()), env.MutationID))
	}
}

func (h *Hub) handleSetUser(c *Conn, env protocol.Envelope) {
	if env.User == nil || env.User.ID == "" {
		c.reply(protocol.Error(CodeBadRequest, "user id is required", ""))
		return
	}
	u := *env.User
	if u.Role != register.RoleAdmin {
		u.Role = register.RoleReporter
	}
	c.user = u
	c.hasUser = true
	c.logger.Info().Str("user_id", u.ID).Str("role", string(u.Role)).Strs("groups", u.ReportingGroups).Msg("user identified")
}

func (h *Hub) handleGetAttendance(ctx context.Context, c *Conn, env protocol.Envelope) {
	if !c.hasUser {
		c.reply(protocol.Error(CodeUnauthenticated, "send setUserInfo first", ""))
		return
	}
	if env.ReportingGroup == "" {
		c.reply(protocol.Error(CodeBadRequest, "reportingGroup is required", ""))
		return
	}
	if !c.user.CanReport(env.ReportingGroup) {
		c.reply(protocol.Error(CodeForbidden, fmt.Sprintf("not a reporter of %s", env.ReportingGroup), ""))
		return
	}
	snap, err := h.snapshot(ctx, env.ReportingGroup, env.Month)
	if err != nil {
		if errors.Is(err, register.ErrValidation) {
			c.reply(protocol.Error(CodeBadRequest, err.Error(), ""))
			return
		}
		c.logger.Error().Err(err).Msg("build snapshot")
		c.reply(protocol.Error(CodeInternal, "could not load attendance", ""))
		return
	}
	c.reply(snap)
}

// snapshot builds attendanceData for (group, month) from the durable store
// overlaid with staged edits.
func (h *Hub) snapshot(ctx context.Context, group, month string) (protocol.Envelope, error) {
	dates, err := register.MonthDates(month)
	if err != nil {
		return protocol.Envelope{}, err
	}
	employees, err := h.repo.EmployeesInGroup(ctx, group)
	if err != nil {
		return protocol.Envelope{}, err
	}

	ids := make([]string, len(employees))
	punches := make([]string, len(employees))
	groupSet := map[string]bool{group: true}
	groups := []string{group}
	for i, e := range employees {
		ids[i] = e.ID
		punches[i] = e.PunchCode
		for _, g := range e.ReportingGroups {
			if !groupSet[g] {
				groupSet[g] = true
				groups = append(groups, g)
			}
		}
	}

	stored, err := h.repo.AttendanceForMonth(ctx, ids, month)
	if err != nil {
		return protocol.Envelope{}, err
	}
	staged, err := h.staged.Month(ctx, month)
	if err != nil {
		return protocol.Envelope{}, err
	}
	locks, err := h.repo.LocksForMonth(ctx, groups, month)
	if err != nil {
		return protocol.Envelope{}, err
	}
	metricRows, err := h.repo.MetricsForMonth(ctx, punches, month)
	if err != nil {
		return protocol.Envelope{}, err
	}

	locked := make(map[register.LockKey]bool, len(locks))
	for _, l := range locks {
		if l.Status == register.Locked {
			locked[l.LockKey] = true
		}
	}

	rows := make([]register.Row, len(employees))
	index := make(map[string]int, len(employees))
	for i, e := range employees {
		row := register.Row{
			EmployeeID:      e.ID,
			PunchCode:       e.PunchCode,
			Name:            e.Name,
			Department:      e.Department,
			Designation:     e.Designation,
			ReportingGroups: e.ReportingGroups,
			Days:            make(map[string]register.DayEntry, len(dates)),
		}
		for _, d := range dates {
			day, ok := stored[e.ID][d]
			if !ok {
				day = emptyDay()
			}
			day.LockStatus = register.Unlocked
			for _, g := range e.ReportingGroups {
				if locked[register.LockKey{Group: g, Date: d}] {
					day.LockStatus = register.Locked
					break
				}
			}
			row.Days[d] = day
		}
		rows[i] = row
		index[e.ID] = i
	}

	for _, p := range staged {
		i, ok := index[p.EmployeeID]
		if !ok {
			continue
		}
		day, ok := rows[i].Days[p.Date]
		if !ok {
			continue
		}
		day.Set(p.Field, p.NewValue)
		rows[i].Days[p.Date] = day
	}

	return protocol.AttendanceData(group, month, rows, locks, metricRows, employees), nil
}

func emptyDay() register.DayEntry {
	return register.DayEntry{NetHours: "0", OTHours: "0", Shift: register.ShiftDay}
}

func (h *Hub) handleUpdate(ctx context.Context, c *Conn, env protocol.Envelope) {
	id := env.MutationID
	reject := func(reason, msg string) {
		metrics.IncEditRejected(reason)
		c.logger.Info().Str("mutation_id", id).Str("reason", reason).Msg(msg)
		c.reply(protocol.UpdateResult(id, false, msg))
	}

	if !c.hasUser {
		c.reply(protocol.Error(CodeUnauthenticated, "send setUserInfo first", id))
		return
	}
	p, err := env.Patch()
	if err != nil {
		reject("malformed", err.Error())
		return
	}
	if !p.Field.Editable() {
		reject("field", fmt.Sprintf("field %q is not editable", p.Field))
		return
	}
	if !register.ValidDate(p.Date) {
		reject("date", fmt.Sprintf("invalid date %q", p.Date))
		return
	}

	emp, err := h.repo.Employee(ctx, p.EmployeeID)
	if errors.Is(err, register.ErrNotFound) {
		reject("employee", err.Error())
		return
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("load employee")
		reject("internal", "could not load employee")
		return
	}
	if !c.user.CanEditRow(register.Row{EmployeeID: emp.ID, ReportingGroups: emp.ReportingGroups}) {
		reject("permission", "not a reporter of this employee's groups")
		return
	}

	status, err := h.repo.LockStatus(ctx, emp.ReportingGroups, p.Date)
	if err != nil {
		c.logger.Error().Err(err).Msg("load lock status")
		reject("internal", "could not load lock status")
		return
	}
	if status == register.Locked {
		reject("locked", fmt.Sprintf("%s is locked", p.Date))
		return
	}

	value, err := edit.Normalize(p.Field, p.NewValue)
	if err != nil {
		reject("validation", err.Error())
		return
	}
	p.NewValue = value

	if err := h.staged.Stage(ctx, p); err != nil {
		c.logger.Error().Err(err).Msg("stage edit")
		reject("internal", "could not stage edit")
		return
	}

	h.broadcast(protocol.AttendanceUpdated(id, p))
	c.reply(protocol.UpdateResult(id, true, ""))
}

func (h *Hub) handleLockToggle(ctx context.Context, c *Conn, env protocol.Envelope) {
	if !c.hasUser {
		c.reply(protocol.Error(CodeUnauthenticated, "send setUserInfo first", ""))
		return
	}
	if !c.user.Role.IsAdmin() {
		c.reply(protocol.Error(CodeForbidden, "only administrators can change locks", ""))
		return
	}
	st, err := env.LockState()
	if err != nil || !register.ValidDate(st.Date) {
		c.reply(protocol.Error(CodeBadRequest, "reportingGroup, valid date and status are required", ""))
		return
	}
	st.ChangedBy = c.user.ID
	st.ChangedAt = h.now().UTC()

	if err := h.repo.SetLock(ctx, st); err != nil {
		c.logger.Error().Err(err).Msg("set lock")
		c.reply(protocol.Error(CodeInternal, "could not change lock", ""))
		return
	}
	metrics.IncLockToggle(string(st.Status))
	c.logger.Info().Str("lock", st.LockKey.String()).Str("status", string(st.Status)).Msg("lock changed")
	h.broadcast(protocol.LockChanged(protocol.ActionLockChanged, st))
}

func (h *Hub) handleSave(ctx context.Context, c *Conn) {
	if !c.hasUser {
		c.reply(protocol.Error(CodeUnauthenticated, "send setUserInfo first", ""))
		return
	}
	start := h.now()
	patches, months, err := h.staged.All(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("read staged edits")
		c.reply(protocol.Error(CodeInternal, "could not read staged edits", ""))
		return
	}
	n, err := h.repo.ApplyPatches(ctx, patches)
	if err != nil {
		c.logger.Error().Err(err).Msg("flush staged edits")
		c.reply(protocol.Error(CodeInternal, "could not save staged edits", ""))
		return
	}
	if err := h.staged.Clear(ctx, months); err != nil {
		// Durable rows already hold these values; re-flushing them is harmless.
		c.logger.Error().Err(err).Msg("clear staged edits")
	}
	metrics.ObserveFlush(h.now().Sub(start))
	c.logger.Info().Int("saved", n).Strs("months", months).Msg("staged edits saved")
	h.broadcast(protocol.DataUpdated(n))
}
