// Package mismatch compares the attendance register with the independent
// metrics feed. It is pure: inputs are never modified.
package mismatch

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"attendsync/internal/register"
)

// Threshold is the largest tolerated difference in hours (15 minutes).
var Threshold = decimal.RequireFromString("0.25")

// Entry is the difference for one aligned (punch code, date) pair.
type Entry struct {
	PunchCode        string          `json:"punchCode"`
	EmployeeID       string          `json:"employeeId"`
	Date             string          `json:"date"`
	NetDiff          decimal.Decimal `json:"netDiff"`
	OTDiff           decimal.Decimal `json:"otDiff"`
	ExceedsThreshold bool            `json:"exceedsThreshold"`
}

// Total is the running sum of differences of one employee over the range.
type Total struct {
	PunchCode  string          `json:"punchCode"`
	EmployeeID string          `json:"employeeId"`
	NetDiff    decimal.Decimal `json:"netDiff"`
	OTDiff     decimal.Decimal `json:"otDiff"`
	Flagged    int             `json:"flagged"`
}

// Report is the full detector output.
type Report struct {
	Entries []Entry `json:"entries"`
	Totals  []Total `json:"totals"`
}

// Flagged returns the entries over the threshold.
func (r Report) Flagged() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.ExceedsThreshold {
			out = append(out, e)
		}
	}
	return out
}

type hours struct {
	net, ot decimal.Decimal
}

// Detect groups both sides by punch code then date and diffs every aligned
// pair. When dates is non-empty only those dates are considered.
func Detect(rows []register.Row, metrics []register.MetricsRecord, dates []string) Report {
	visible := make(map[string]bool, len(dates))
	for _, d := range dates {
		visible[d] = true
	}
	inRange := func(d string) bool { return len(visible) == 0 || visible[d] }

	attendance := make(map[string]map[string]hours)
	employeeOf := make(map[string]string)
	for _, r := range rows {
		if r.PunchCode == "" {
			continue
		}
		byDate := attendance[r.PunchCode]
		if byDate == nil {
			byDate = make(map[string]hours)
			attendance[r.PunchCode] = byDate
			employeeOf[r.PunchCode] = r.EmployeeID
		}
		for date, day := range r.Days {
			if inRange(date) {
				byDate[date] = hours{net: parse(day.NetHours), ot: parse(day.OTHours)}
			}
		}
	}

	feed := make(map[string]map[string]hours)
	for _, m := range metrics {
		if !inRange(m.Date) {
			continue
		}
		byDate := feed[m.PunchCode]
		if byDate == nil {
			byDate = make(map[string]hours)
			feed[m.PunchCode] = byDate
		}
		byDate[m.Date] = hours{net: parse(m.NetHours), ot: parse(m.OTHours)}
	}

	var report Report
	totals := make(map[string]*Total)
	for punch, byDate := range attendance {
		reported, ok := feed[punch]
		if !ok {
			continue
		}
		for date, att := range byDate {
			met, ok := reported[date]
			if !ok {
				continue
			}
			e := Entry{
				PunchCode:  punch,
				EmployeeID: employeeOf[punch],
				Date:       date,
				NetDiff:    met.net.Sub(att.net),
				OTDiff:     met.ot.Sub(att.ot),
			}
			e.ExceedsThreshold = e.NetDiff.Abs().GreaterThan(Threshold) || e.OTDiff.Abs().GreaterThan(Threshold)
			report.Entries = append(report.Entries, e)

			t := totals[punch]
			if t == nil {
				t = &Total{PunchCode: punch, EmployeeID: e.EmployeeID}
				totals[punch] = t
			}
			t.NetDiff = t.NetDiff.Add(e.NetDiff)
			t.OTDiff = t.OTDiff.Add(e.OTDiff)
			if e.ExceedsThreshold {
				t.Flagged++
			}
		}
	}

	sort.Slice(report.Entries, func(i, j int) bool {
		a, b := report.Entries[i], report.Entries[j]
		if a.PunchCode != b.PunchCode {
			return a.PunchCode < b.PunchCode
		}
		return a.Date < b.Date
	})
	for _, t := range totals {
		report.Totals = append(report.Totals, *t)
	}
	sort.Slice(report.Totals, func(i, j int) bool { return report.Totals[i].PunchCode < report.Totals[j].PunchCode })
	return report
}

// hoursShape bounds what the feed may hand to the decimal parser.
var hoursShape = regexp.MustCompile(`^-?\d{1,6}(\.\d{1,6})?$`)

func parse(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" || !hoursShape.MatchString(s) {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
