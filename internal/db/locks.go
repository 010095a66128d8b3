package db

import (
	"context"
	"fmt"

	"attendsync/internal/register"
)

// SetLock records the status of a (group, date) lock.
func (db *DB) SetLock(ctx context.Context, st register.LockState) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO locks (reporting_group, date, status, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(reporting_group, date) DO UPDATE SET
			status = excluded.status,
			changed_by = excluded.changed_by,
			changed_at = excluded.changed_at`,
		st.Group, st.Date, string(st.Status), st.ChangedBy, st.ChangedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set lock %s: %w", st.LockKey, err)
	}
	return nil
}

// LocksForMonth returns every recorded lock of the groups in the YYYY-MM
// month, ordered by group then date.
func (db *DB) LocksForMonth(ctx context.Context, groups []string, month string) ([]register.LockState, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	args := append(stringArgs(groups), month+"-%")
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT reporting_group, date, status, changed_by, changed_at
		FROM locks
		WHERE reporting_group IN (%s) AND date LIKE ?
		ORDER BY reporting_group, date`, placeholders(len(groups))), args...)
	if err != nil {
		return nil, fmt.Errorf("query locks %s: %w", month, err)
	}
	defer rows.Close()

	var out []register.LockState
	for rows.Next() {
		var (
			st     register.LockState
			status string
		)
		if err := rows.Scan(&st.Group, &st.Date, &status, &st.ChangedBy, &st.ChangedAt); err != nil {
			return nil, err
		}
		st.Status = register.LockStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

// LockStatus returns locked when any of the groups is locked on date.
func (db *DB) LockStatus(ctx context.Context, groups []string, date string) (register.LockStatus, error) {
	if len(groups) == 0 {
		return register.Unlocked, nil
	}
	args := append(stringArgs(groups), date, string(register.Locked))
	var n int
	err := db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM locks
		WHERE reporting_group IN (%s) AND date = ? AND status = ?`, placeholders(len(groups))), args...,
	).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("query lock %s: %w", date, err)
	}
	if n > 0 {
		return register.Locked, nil
	}
	return register.Unlocked, nil
}
