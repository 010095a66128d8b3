// Package protocol defines the JSON envelopes exchanged over the duplex channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"attendsync/internal/register"
)

// Action is the envelope discriminant.
type Action string

const (
	ActionSetUserInfo      Action = "setUserInfo"
	ActionGetAttendance    Action = "getAttendance"
	ActionAttendanceData   Action = "attendanceData"
	ActionUpdateAttendance Action = "updateAttendance"
	ActionAttendanceUpdate Action = "attendanceUpdated"
	ActionUpdateResult     Action = "attendanceUpdateResult"
	ActionLockToggle       Action = "lockUnlockStatusToggle"
	ActionLockChanged      Action = "lockUnlockStatusChanged"
	ActionLockStatus       Action = "attendanceLockStatus"
	ActionSaveStaged       Action = "saveDataRedisToMysql"
	ActionDataUpdated      Action = "dataUpdated"
	ActionError            Action = "error"
)

// Envelope is the union of every message shape. Only the fields relevant to
// Action are populated; the rest are omitted on the wire.
type Envelope struct {
	Action Action `json:"action"`
	// Type is the legacy discriminant some senders use instead of action.
	Type Action `json:"type,omitempty"`

	// setUserInfo
	User *register.UserInfo `json:"user,omitempty"`

	// getAttendance / attendanceData / lock messages
	ReportingGroup string `json:"reportingGroup,omitempty"`
	Month          string `json:"month,omitempty"`

	// attendanceData
	Rows      []register.Row           `json:"rows,omitempty"`
	Locks     []register.LockState     `json:"locks,omitempty"`
	Metrics   []register.MetricsRecord `json:"metrics,omitempty"`
	Employees []register.Employee      `json:"employees,omitempty"`

	// updateAttendance
	MutationID string         `json:"mutationId,omitempty"`
	EmployeeID string         `json:"employeeId,omitempty"`
	EditDate   string         `json:"editDate,omitempty"`
	Field      register.Field `json:"field,omitempty"`
	NewValue   *string        `json:"newValue,omitempty"`
	OldValue   *string        `json:"oldValue,omitempty"`

	// attendanceUpdated
	UpdateDetails *UpdateDetails `json:"updateDetails,omitempty"`

	// lock toggle / broadcast
	Date      string              `json:"date,omitempty"`
	Status    register.LockStatus `json:"status,omitempty"`
	ChangedBy string              `json:"changedBy,omitempty"`
	ChangedAt *time.Time          `json:"changedAt,omitempty"`

	// attendanceUpdateResult / dataUpdated / error
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Saved   int    `json:"saved,omitempty"`
}

// UpdateDetails is the payload of a confirmed single-field broadcast.
type UpdateDetails struct {
	EmployeeID string         `json:"employeeId"`
	EditDate   string         `json:"editDate"`
	Field      register.Field `json:"field"`
	NewValue   string         `json:"newValue"`
	MutationID string         `json:"mutationId,omitempty"`
}

// Kind returns the discriminant, falling back to the legacy type key.
func (e Envelope) Kind() Action {
	if e.Action != "" {
		return e.Action
	}
	return e.Type
}

// Decode parses a raw frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind() == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing action")
	}
	return env, nil
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Patch extracts the requested change of an updateAttendance envelope.
func (e Envelope) Patch() (register.Patch, error) {
	if e.EmployeeID == "" || e.EditDate == "" || e.Field == "" || e.NewValue == nil {
		return register.Patch{}, fmt.Errorf("%w: incomplete update", register.ErrValidation)
	}
	p := register.Patch{
		EmployeeID: e.EmployeeID,
		Date:       e.EditDate,
		Field:      e.Field,
		NewValue:   *e.NewValue,
	}
	if e.OldValue != nil {
		p.OldValue = *e.OldValue
	}
	return p, nil
}

func str(s string) *string { return &s }

func boolean(b bool) *bool { return &b }

// SetUserInfo announces the operator of this connection.
func SetUserInfo(u register.UserInfo) Envelope {
	return Envelope{Action: ActionSetUserInfo, User: &u}
}

// GetAttendance requests a full snapshot for a group and month.
func GetAttendance(group, month string) Envelope {
	return Envelope{Action: ActionGetAttendance, ReportingGroup: group, Month: month}
}

// AttendanceData is a full snapshot push. Employees is the directory slice
// the rows were built from.
func AttendanceData(group, month string, rows []register.Row, locks []register.LockState, metrics []register.MetricsRecord, employees []register.Employee) Envelope {
	return Envelope{
		Action:         ActionAttendanceData,
		ReportingGroup: group,
		Month:          month,
		Rows:           rows,
		Locks:          locks,
		Metrics:        metrics,
		Employees:      employees,
	}
}

// UpdateAttendance carries a committed cell edit.
func UpdateAttendance(mutationID string, p register.Patch) Envelope {
	return Envelope{
		Action:     ActionUpdateAttendance,
		MutationID: mutationID,
		EmployeeID: p.EmployeeID,
		EditDate:   p.Date,
		Field:      p.Field,
		NewValue:   str(p.NewValue),
		OldValue:   str(p.OldValue),
	}
}

// AttendanceUpdated broadcasts a confirmed patch. The old value is not echoed.
func AttendanceUpdated(mutationID string, p register.Patch) Envelope {
	return Envelope{
		Action: ActionAttendanceUpdate,
		UpdateDetails: &UpdateDetails{
			EmployeeID: p.EmployeeID,
			EditDate:   p.Date,
			Field:      p.Field,
			NewValue:   p.NewValue,
			MutationID: mutationID,
		},
	}
}

// UpdateResult answers the committing client.
func UpdateResult(mutationID string, ok bool, message string) Envelope {
	return Envelope{Action: ActionUpdateResult, MutationID: mutationID, Success: boolean(ok), Message: message}
}

// LockToggle requests a lock status change.
func LockToggle(key register.LockKey, status register.LockStatus) Envelope {
	return Envelope{Action: ActionLockToggle, ReportingGroup: key.Group, Date: key.Date, Status: status}
}

// LockChanged broadcasts a confirmed lock state.
func LockChanged(action Action, st register.LockState) Envelope {
	at := st.ChangedAt
	return Envelope{
		Action:         action,
		ReportingGroup: st.Group,
		Date:           st.Date,
		Status:         st.Status,
		ChangedBy:      st.ChangedBy,
		ChangedAt:      &at,
	}
}

// LockState extracts the lock state carried by a lock broadcast.
func (e Envelope) LockState() (register.LockState, error) {
	if e.ReportingGroup == "" || e.Date == "" || !e.Status.Valid() {
		return register.LockState{}, fmt.Errorf("%w: incomplete lock message", register.ErrValidation)
	}
	st := register.LockState{
		LockKey:   register.LockKey{Group: e.ReportingGroup, Date: e.Date},
		Status:    e.Status,
		ChangedBy: e.ChangedBy,
	}
	if e.ChangedAt != nil {
		st.ChangedAt = *e.ChangedAt
	}
	return st, nil
}

// SaveStaged asks the hub to persist staged edits durably.
func SaveStaged() Envelope {
	return Envelope{Action: ActionSaveStaged}
}

// DataUpdated confirms durable persistence.
func DataUpdated(saved int) Envelope {
	return Envelope{Action: ActionDataUpdated, Success: boolean(true), Saved: saved}
}

// Error is a failure notice.
func Error(code, message, mutationID string) Envelope {
	return Envelope{Action: ActionError, Code: code, Message: message, MutationID: mutationID}
}

// Succeeded reports the success flag, treating an absent flag as false.
func (e Envelope) Succeeded() bool {
	return e.Success != nil && *e.Success
}
