// Package register holds the attendance register data model shared by the
// hub and the client-side synchronization core.
package register

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for attendance dates.
const DateLayout = "2006-01-02"

// MonthLayout is the wire format for the month selector of getAttendance.
const MonthLayout = "2006-01"

// Field names an editable attendance cell. The values match the wire keys.
type Field string

const (
	FieldNetHours   Field = "netHR"
	FieldOTHours    Field = "otHR"
	FieldShift      Field = "dayShift"
	FieldComment    Field = "comment"
	FieldLockStatus Field = "lockStatus"
)

// Editable reports whether the field can be changed through a cell edit.
// Lock status only moves through lock toggles.
func (f Field) Editable() bool {
	switch f {
	case FieldNetHours, FieldOTHours, FieldShift, FieldComment:
		return true
	}
	return false
}

// ParseField validates a wire field name.
func ParseField(s string) (Field, error) {
	f := Field(s)
	switch f {
	case FieldNetHours, FieldOTHours, FieldShift, FieldComment, FieldLockStatus:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown field %q", ErrValidation, s)
}

// LockStatus is the editability gate of a record or of a (group, date) key.
type LockStatus string

const (
	Unlocked LockStatus = "unlocked"
	Locked   LockStatus = "locked"
)

// Toggle returns the opposite status.
func (s LockStatus) Toggle() LockStatus {
	if s == Locked {
		return Unlocked
	}
	return Locked
}

// Valid reports whether s is a known lock status.
func (s LockStatus) Valid() bool {
	return s == Locked || s == Unlocked
}

// Role is the capability of a connected operator.
type Role string

const (
	RoleReporter Role = "reporter"
	RoleAdmin    Role = "admin"
)

// IsAdmin reports whether the role carries administrator capability.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// Shift codes accepted in the dayShift cell.
const (
	ShiftDay     = "D"
	ShiftNight   = "N"
	ShiftEvening = "E"
)

// DayEntry is the per-date part of an attendance row.
type DayEntry struct {
	NetHours   string     `json:"netHR"`
	OTHours    string     `json:"otHR"`
	Shift      string     `json:"dayShift"`
	Comment    string     `json:"comment,omitempty"`
	LockStatus LockStatus `json:"lockStatus"`
}

// Get returns the current value of field f.
func (d DayEntry) Get(f Field) string {
	switch f {
	case FieldNetHours:
		return d.NetHours
	case FieldOTHours:
		return d.OTHours
	case FieldShift:
		return d.Shift
	case FieldComment:
		return d.Comment
	case FieldLockStatus:
		return string(d.LockStatus)
	}
	return ""
}

// Set assigns value to field f and leaves every other field untouched.
func (d *DayEntry) Set(f Field, value string) {
	switch f {
	case FieldNetHours:
		d.NetHours = value
	case FieldOTHours:
		d.OTHours = value
	case FieldShift:
		d.Shift = value
	case FieldComment:
		d.Comment = value
	case FieldLockStatus:
		d.LockStatus = LockStatus(value)
	}
}

// Row is one employee's attendance over the loaded month, keyed by date.
type Row struct {
	EmployeeID      string              `json:"employeeId"`
	PunchCode       string              `json:"punchCode"`
	Name            string              `json:"name"`
	Department      string              `json:"department,omitempty"`
	Designation     string              `json:"designation,omitempty"`
	ReportingGroups []string            `json:"reportingGroups"`
	Days            map[string]DayEntry `json:"days"`
}

// InGroup reports whether the row belongs to the reporting group.
func (r Row) InGroup(group string) bool {
	for _, g := range r.ReportingGroups {
		if g == group {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	out := r
	out.ReportingGroups = append([]string(nil), r.ReportingGroups...)
	out.Days = make(map[string]DayEntry, len(r.Days))
	for k, v := range r.Days {
		out.Days[k] = v
	}
	return out
}

// AttendanceRecord is the flat form of one (employee, date) cell group.
type AttendanceRecord struct {
	EmployeeID string `json:"employeeId"`
	Date       string `json:"date"`
	DayEntry
}

// Employee is supplied by the external directory and is read-only here.
type Employee struct {
	ID              string   `json:"id" yaml:"id"`
	PunchCode       string   `json:"punchCode" yaml:"punch_code"`
	Name            string   `json:"name" yaml:"name"`
	Department      string   `json:"department,omitempty" yaml:"department"`
	Designation     string   `json:"designation,omitempty" yaml:"designation"`
	ReportingGroups []string `json:"reportingGroups" yaml:"reporting_groups"`
}

// LockKey identifies a coarse editing lock.
type LockKey struct {
	Group string `json:"reportingGroup"`
	Date  string `json:"date"`
}

func (k LockKey) String() string {
	return k.Group + "|" + k.Date
}

// LockState is the last confirmed status of a lock key.
type LockState struct {
	LockKey
	Status    LockStatus `json:"status"`
	ChangedBy string     `json:"changedBy,omitempty"`
	ChangedAt time.Time  `json:"changedAt,omitempty"`
}

// MetricsRecord is an independently reported (punch code, date) measurement.
type MetricsRecord struct {
	PunchCode string `json:"punchCode"`
	Date      string `json:"date"`
	NetHours  string `json:"netHR"`
	OTHours   string `json:"otHR"`
}

// UserInfo is what a client announces with setUserInfo.
type UserInfo struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Role            Role     `json:"role"`
	ReportingGroups []string `json:"reportingGroups"`
}

// CanReport reports whether the user may touch rows of the group.
func (u UserInfo) CanReport(group string) bool {
	if u.Role.IsAdmin() {
		return true
	}
	for _, g := range u.ReportingGroups {
		if g == group {
			return true
		}
	}
	return false
}

// CanEditRow reports whether the user may edit any cell of the row.
func (u UserInfo) CanEditRow(r Row) bool {
	if u.Role.IsAdmin() {
		return true
	}
	for _, g := range r.ReportingGroups {
		if u.CanReport(g) {
			return true
		}
	}
	return false
}

// Patch is a minimal single-field change.
type Patch struct {
	EmployeeID string `json:"employeeId"`
	Date       string `json:"editDate"`
	Field      Field  `json:"field"`
	NewValue   string `json:"newValue"`
	OldValue   string `json:"oldValue,omitempty"`
}

// Inverse returns the patch that restores the old value.
func (p Patch) Inverse() Patch {
	return Patch{
		EmployeeID: p.EmployeeID,
		Date:       p.Date,
		Field:      p.Field,
		NewValue:   p.OldValue,
		OldValue:   p.NewValue,
	}
}

// ValidDate reports whether s is a YYYY-MM-DD date.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// MonthDates lists every date of the YYYY-MM month.
func MonthDates(month string) ([]string, error) {
	start, err := time.Parse(MonthLayout, month)
	if err != nil {
		return nil, fmt.Errorf("%w: month %q", ErrValidation, month)
	}
	var out []string
	for d := start; d.Month() == start.Month(); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(DateLayout))
	}
	return out, nil
}
