package db

import (
	"context"
	"fmt"
	"time"

	"attendsync/internal/register"
)

// UpsertMetrics stores independently reported measurements.
func (db *DB) UpsertMetrics(ctx context.Context, records []register.MetricsRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics (punch_code, date, net_hours, ot_hours, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(punch_code, date) DO UPDATE SET
			net_hours = excluded.net_hours,
			ot_hours = excluded.ot_hours,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.PunchCode, r.Date, r.NetHours, r.OTHours, now); err != nil {
			return fmt.Errorf("upsert metrics %s %s: %w", r.PunchCode, r.Date, err)
		}
	}
	return tx.Commit()
}

// MetricsForMonth returns the measurements of the punch codes in the YYYY-MM
// month ordered by punch code then date.
func (db *DB) MetricsForMonth(ctx context.Context, punchCodes []string, month string) ([]register.MetricsRecord, error) {
	if len(punchCodes) == 0 {
		return nil, nil
	}
	args := append(stringArgs(punchCodes), month+"-%")
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT punch_code, date, net_hours, ot_hours
		FROM metrics
		WHERE punch_code IN (%s) AND date LIKE ?
		ORDER BY punch_code, date`, placeholders(len(punchCodes))), args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics %s: %w", month, err)
	}
	defer rows.Close()

	var out []register.MetricsRecord
	for rows.Next() {
		var r register.MetricsRecord
		if err := rows.Scan(&r.PunchCode, &r.Date, &r.NetHours, &r.OTHours); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
