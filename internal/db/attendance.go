package db

import (
	"context"
	"fmt"
	"time"

	"attendsync/internal/register"
)

var fieldColumns = map[register.Field]string{
	register.FieldNetHours: "net_hours",
	register.FieldOTHours:  "ot_hours",
	register.FieldShift:    "day_shift",
	register.FieldComment:  "comment",
}

// AttendanceForMonth returns stored entries for the employees in the YYYY-MM
// month, keyed by employee then date. Lock status is not part of the result.
func (db *DB) AttendanceForMonth(ctx context.Context, employeeIDs []string, month string) (map[string]map[string]register.DayEntry, error) {
	out := make(map[string]map[string]register.DayEntry, len(employeeIDs))
	if len(employeeIDs) == 0 {
		return out, nil
	}

	args := append(stringArgs(employeeIDs), month+"-%")
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT employee_id, date, net_hours, ot_hours, day_shift, comment
		FROM attendance
		WHERE employee_id IN (%s) AND date LIKE ?`, placeholders(len(employeeIDs))), args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance %s: %w", month, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, date string
			d        register.DayEntry
		)
		if err := rows.Scan(&id, &date, &d.NetHours, &d.OTHours, &d.Shift, &d.Comment); err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = make(map[string]register.DayEntry)
		}
		out[id][date] = d
	}
	return out, rows.Err()
}

// ApplyPatches writes patches in one transaction, in order, and returns how
// many were applied.
func (db *DB) ApplyPatches(ctx context.Context, patches []register.Patch) (int, error) {
	if len(patches) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, p := range patches {
		col, ok := fieldColumns[p.Field]
		if !ok {
			return 0, fmt.Errorf("%w: field %q is not stored", register.ErrValidation, p.Field)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO attendance (employee_id, date, updated_at) VALUES (?, ?, ?)`,
			p.EmployeeID, p.Date, now); err != nil {
			return 0, fmt.Errorf("ensure %s %s: %w", p.EmployeeID, p.Date, err)
		}
		// col comes from fieldColumns, never from input.
		q := fmt.Sprintf(`UPDATE attendance SET %s = ?, updated_at = ? WHERE employee_id = ? AND date = ?`, col)
		if _, err := tx.ExecContext(ctx, q, p.NewValue, now, p.EmployeeID, p.Date); err != nil {
			return 0, fmt.Errorf("apply %s %s %s: %w", p.EmployeeID, p.Date, p.Field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(patches), nil
}
