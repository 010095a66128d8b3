package edit

import (
	"errors"
	"testing"

	"attendsync/internal/register"
)

func TestNormalizeHours(t *testing.T) {
	tests := []struct {
		name  string
		field register.Field
		raw   string
		want  string
	}{
		{"half hour clock", register.FieldNetHours, "7:30", "7.5"},
		{"whole hour clock", register.FieldNetHours, "8:00", "8"},
		{"quarter clock", register.FieldNetHours, "2:15", "2.25"},
		{"odd minutes clock", register.FieldNetHours, "1:10", "1.17"},
		{"net clamp", register.FieldNetHours, "15", "11"},
		{"net clamp clock", register.FieldNetHours, "12:30", "11"},
		{"ot clamp", register.FieldOTHours, "20", "15"},
		{"ot under max", register.FieldOTHours, "14.5", "14.5"},
		{"decimal rounding", register.FieldNetHours, "7.456", "7.46"},
		{"trailing zeros", register.FieldNetHours, "7.50", "7.5"},
		{"empty is zero", register.FieldOTHours, "", "0"},
		{"spaces trimmed", register.FieldNetHours, " 6 ", "6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.field, tt.raw)
			if err != nil {
				t.Fatalf("Normalize(%q): unexpected error %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name  string
		field register.Field
		raw   string
	}{
		{"letters", register.FieldNetHours, "abc"},
		{"negative", register.FieldNetHours, "-1"},
		{"bad minutes", register.FieldNetHours, "7:75"},
		{"single digit minutes", register.FieldNetHours, "7:5"},
		{"no hours", register.FieldOTHours, ":30"},
		{"lock status", register.FieldLockStatus, "locked"},
		{"huge exponent", register.FieldNetHours, "1e999999999"},
		{"small exponent", register.FieldOTHours, "1e1"},
		{"too many digits", register.FieldNetHours, "123456789"},
		{"long fraction", register.FieldNetHours, "1.1234567"},
		{"long clock hours", register.FieldNetHours, "123456:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.field, tt.raw)
			if !errors.Is(err, register.ErrValidation) {
				t.Errorf("Normalize(%q): expected validation error, got %v", tt.raw, err)
			}
		})
	}
}

func TestNormalizeShift(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"x", "D"},
		{"n", "N"},
		{"e", "E"},
		{"DN", "N"},
		{"nd", "D"},
		{"", "D"},
		{"  e ", "E"},
	}

	for _, tt := range tests {
		if got := NormalizeShift(tt.raw); got != tt.want {
			t.Errorf("NormalizeShift(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := map[register.Field][]string{
		register.FieldNetHours: {"7:30", "2:15", "1:10", "15", "7.456", "0", ""},
		register.FieldOTHours:  {"20", "3:45", "0.333"},
		register.FieldShift:    {"x", "n", "E"},
		register.FieldComment:  {"  late arrival  ", ""},
	}

	for field, raws := range inputs {
		for _, raw := range raws {
			once, err := Normalize(field, raw)
			if err != nil {
				t.Fatalf("Normalize(%s, %q): %v", field, raw, err)
			}
			twice, err := Normalize(field, once)
			if err != nil {
				t.Fatalf("Normalize(%s, %q): %v", field, once, err)
			}
			if once != twice {
				t.Errorf("Normalize(%s) not idempotent for %q: %q then %q", field, raw, once, twice)
			}
		}
	}
}
