package edit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"attendsync/internal/register"
)

var (
	// MaxNetHours caps the net hours cell.
	MaxNetHours = decimal.NewFromInt(11)
	// MaxOTHours caps the overtime cell.
	MaxOTHours = decimal.NewFromInt(15)

	sixty = decimal.NewFromInt(60)
	half  = decimal.NewFromFloat(0.5)
)

const maxCommentLen = 500

// decimalHours is the only plain-number shape accepted; exponents are not.
var decimalHours = regexp.MustCompile(`^-?\d{1,4}(\.\d{1,6})?$`)

// Normalize converts raw cell input into its canonical stored form.
// Normalize(Normalize(x)) == Normalize(x) for every accepted x.
func Normalize(field register.Field, raw string) (string, error) {
	switch field {
	case register.FieldNetHours:
		return normalizeHours(raw, MaxNetHours)
	case register.FieldOTHours:
		return normalizeHours(raw, MaxOTHours)
	case register.FieldShift:
		return NormalizeShift(raw), nil
	case register.FieldComment:
		return normalizeComment(raw)
	}
	return "", fmt.Errorf("%w: field %q is not editable", register.ErrValidation, field)
}

// NormalizeShift keeps only the last character typed, upper-cased, and falls
// back to day shift for anything outside D, N, E.
func NormalizeShift(raw string) string {
	runes := []rune(strings.TrimSpace(raw))
	if len(runes) == 0 {
		return register.ShiftDay
	}
	switch c := string(unicode.ToUpper(runes[len(runes)-1])); c {
	case register.ShiftDay, register.ShiftNight, register.ShiftEvening:
		return c
	}
	return register.ShiftDay
}

func normalizeHours(raw string, max decimal.Decimal) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "0", nil
	}

	var value decimal.Decimal
	if strings.Contains(s, ":") {
		v, err := parseClock(s)
		if err != nil {
			return "", err
		}
		value = v
	} else {
		if !decimalHours.MatchString(s) {
			return "", fmt.Errorf("%w: %q is not a number", register.ErrValidation, raw)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a number", register.ErrValidation, raw)
		}
		value = v.Round(2)
	}

	if value.IsNegative() {
		return "", fmt.Errorf("%w: %q is negative", register.ErrValidation, raw)
	}
	if value.GreaterThan(max) {
		value = max
	}
	return value.String(), nil
}

// parseClock converts "H:MM" into decimal hours.
func parseClock(s string) (decimal.Decimal, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || len(parts[1]) != 2 {
		return decimal.Zero, fmt.Errorf("%w: %q is not H:MM", register.ErrValidation, s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || len(parts[0]) > 4 {
		return decimal.Zero, fmt.Errorf("%w: bad hours in %q", register.ErrValidation, s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return decimal.Zero, fmt.Errorf("%w: bad minutes in %q", register.ErrValidation, s)
	}

	h := decimal.NewFromInt(int64(hours))
	switch minutes {
	case 0:
		return h, nil
	case 30:
		return h.Add(half), nil
	}
	return h.Add(decimal.NewFromInt(int64(minutes)).Div(sixty)).Round(2), nil
}

func normalizeComment(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len([]rune(s)) > maxCommentLen {
		return "", fmt.Errorf("%w: comment longer than %d characters", register.ErrValidation, maxCommentLen)
	}
	return s, nil
}
