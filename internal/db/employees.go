package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"attendsync/internal/register"
)

// SyncEmployees applies the directory to the database. It upserts employees,
// replaces their group memberships and marks missing employees inactive.
func (db *DB) SyncEmployees(ctx context.Context, employees []register.Employee) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	seen := make(map[string]struct{}, len(employees))
	for _, e := range employees {
		// Preserve created_at if the employee already exists.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO employees (id, punch_code, name, department, designation, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, COALESCE((SELECT created_at FROM employees WHERE id = ?), ?), ?)
			ON CONFLICT(id) DO UPDATE SET
				punch_code = excluded.punch_code,
				name = excluded.name,
				department = excluded.department,
				designation = excluded.designation,
				is_active = 1,
				updated_at = excluded.updated_at`,
			e.ID, e.PunchCode, e.Name, e.Department, e.Designation, e.ID, now, now,
		)
		if err != nil {
			return fmt.Errorf("sync employee %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM employee_groups WHERE employee_id = ?`, e.ID); err != nil {
			return fmt.Errorf("clear groups of %s: %w", e.ID, err)
		}
		for _, g := range e.ReportingGroups {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO employee_groups (employee_id, reporting_group) VALUES (?, ?)`, e.ID, g); err != nil {
				return fmt.Errorf("add %s to %s: %w", e.ID, g, err)
			}
		}
		seen[e.ID] = struct{}{}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM employees WHERE is_active = 1`)
	if err != nil {
		return err
	}
	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range missing {
		if _, err := tx.ExecContext(ctx, `UPDATE employees SET is_active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("deactivate employee %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.logger.Info().Int("employees", len(employees)).Int("deactivated", len(missing)).Msg("directory synced")
	return nil
}

// EmployeesInGroup returns the active employees of a reporting group ordered
// by name.
func (db *DB) EmployeesInGroup(ctx context.Context, group string) ([]register.Employee, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT e.id, e.punch_code, e.name, e.department, e.designation
		FROM employees e
		JOIN employee_groups g ON g.employee_id = e.id
		WHERE g.reporting_group = ? AND e.is_active = 1
		ORDER BY e.name, e.id`, group)
	if err != nil {
		return nil, fmt.Errorf("query group %s: %w", group, err)
	}
	defer rows.Close()

	var out []register.Employee
	for rows.Next() {
		var e register.Employee
		if err := rows.Scan(&e.ID, &e.PunchCode, &e.Name, &e.Department, &e.Designation); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		groups, err := db.groupsOf(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].ReportingGroups = groups
	}
	return out, nil
}

// Employee returns one active employee.
func (db *DB) Employee(ctx context.Context, id string) (register.Employee, error) {
	var e register.Employee
	err := db.QueryRowContext(ctx, `
		SELECT id, punch_code, name, department, designation
		FROM employees WHERE id = ? AND is_active = 1`, id,
	).Scan(&e.ID, &e.PunchCode, &e.Name, &e.Department, &e.Designation)
	if errors.Is(err, sql.ErrNoRows) {
		return register.Employee{}, fmt.Errorf("%w: employee %s", register.ErrNotFound, id)
	}
	if err != nil {
		return register.Employee{}, err
	}
	e.ReportingGroups, err = db.groupsOf(ctx, id)
	return e, err
}

func (db *DB) groupsOf(ctx context.Context, id string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT reporting_group FROM employee_groups WHERE employee_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, rows.Err()
}

// ActivePunchCodes lists the punch codes of every active employee.
func (db *DB) ActivePunchCodes(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT punch_code FROM employees WHERE is_active = 1 ORDER BY punch_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}
