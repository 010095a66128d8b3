package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB wraps sql.DB for the attendance hub.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

// NewDB opens the database at path and runs migrations.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer keeps commit order equal to hub order.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS employees (
			id TEXT PRIMARY KEY,
			punch_code TEXT NOT NULL,
			name TEXT NOT NULL,
			department TEXT NOT NULL DEFAULT '',
			designation TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS employee_groups (
			employee_id TEXT NOT NULL,
			reporting_group TEXT NOT NULL,
			PRIMARY KEY (employee_id, reporting_group),
			FOREIGN KEY (employee_id) REFERENCES employees(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS attendance (
			employee_id TEXT NOT NULL,
			date TEXT NOT NULL,
			net_hours TEXT NOT NULL DEFAULT '0',
			ot_hours TEXT NOT NULL DEFAULT '0',
			day_shift TEXT NOT NULL DEFAULT 'D',
			comment TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (employee_id, date),
			FOREIGN KEY (employee_id) REFERENCES employees(id)
		)`,

		`CREATE TABLE IF NOT EXISTS locks (
			reporting_group TEXT NOT NULL,
			date TEXT NOT NULL,
			status TEXT NOT NULL,
			changed_by TEXT NOT NULL DEFAULT '',
			changed_at DATETIME NOT NULL,
			PRIMARY KEY (reporting_group, date)
		)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			punch_code TEXT NOT NULL,
			date TEXT NOT NULL,
			net_hours TEXT NOT NULL DEFAULT '0',
			ot_hours TEXT NOT NULL DEFAULT '0',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (punch_code, date)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_employee_groups_group ON employee_groups(reporting_group)`,
		`CREATE INDEX IF NOT EXISTS idx_employees_punch ON employees(punch_code)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_date ON attendance(date)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_date ON metrics(date)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
