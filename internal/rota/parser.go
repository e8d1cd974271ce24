// Package rota parses staff rota grids as they appear in shared spreadsheets:
// blocks headed by a row of dates, followed by one row per person whose cells
// hold a time range or a code such as AL or OFF.
package rota

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

// Shift types
const (
	TypeRegular        = "regular"
	TypeAnnualLeave    = "annual_leave"
	TypeOff            = "off"
	TypeNonClinicalDay = "non_clinical_day"
	TypePostNights     = "post_nights"
	TypePreNight       = "pre_night"
	TypeTraining       = "training"
	TypeNotAvailable   = "not_available"
)

type special struct {
	kind    string
	working bool
}

var specialCases = map[string]special{
	"AL":            {TypeAnnualLeave, false},
	"OFF":           {TypeOff, false},
	"NCD":           {TypeNonClinicalDay, false},
	"POST NIGHTS":   {TypePostNights, false},
	"PRE NIGHT OFF": {TypePreNight, false},
	"PRE NIGHT":     {TypePreNight, false},
	"TR":            {TypeTraining, true},
	"*N/A":          {TypeNotAvailable, false},
	"/":             {TypeNotAvailable, false},
}

// Entry is one parsed cell of the grid
type Entry struct {
	Name    string
	Date    time.Time
	Raw     string
	Type    string
	Working bool
	// Start and End are set only when the cell held a time range
	Start time.Time
	End   time.Time
}

// Timed reports whether the entry is a working shift with concrete times
func (e Entry) Timed() bool {
	return e.Working && !e.Start.IsZero() && e.End.After(e.Start)
}

// Parser turns raw grid rows into entries
type Parser struct {
	Location        *time.Location
	IncludePastDays int
	Now             func() time.Time
	Log             *zap.Logger
}

func (p *Parser) now() time.Time {
	if p.Now != nil {
		return p.Now().In(p.loc())
	}
	return time.Now().In(p.loc())
}

func (p *Parser) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p *Parser) log() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

// Cutoff is the first day whose entries are kept
func (p *Parser) Cutoff() time.Time {
	now := p.now()
	y, m, d := now.AddDate(0, 0, -p.IncludePastDays).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.loc())
}

// IsDateRow reports whether at least three cells parse as dates
func (p *Parser) IsDateRow(row []string) bool {
	now := p.now()
	count := 0
	for _, cell := range row {
		if _, err := ParseDate(cell, now, p.loc()); err == nil {
			count++
		}
	}
	return count >= 3
}

// Parse walks the grid and returns every entry dated on or after the cutoff
func (p *Parser) Parse(rows [][]string) []Entry {
	var (
		entries     []Entry
		dates       []time.Time
		afterCutoff bool
	)
	now := p.now()
	cutoff := p.Cutoff()

	for _, row := range rows {
		if len(row) < 3 {
			continue
		}

		if p.IsDateRow(row) {
			dates = make([]time.Time, len(row))
			for i, cell := range row {
				if d, err := ParseDate(cell, now, p.loc()); err == nil {
					dates[i] = d
					if !d.Before(cutoff) {
						afterCutoff = true
					}
				}
			}
			continue
		}

		if !afterCutoff || skipRow(row) {
			continue
		}

		name := extractName(row[1])
		if name == "" {
			continue
		}

		for i, cell := range row {
			if i >= len(dates) || dates[i].IsZero() || dates[i].Before(cutoff) {
				continue
			}
			entry, ok := parseCell(name, dates[i], cell)
			if !ok {
				continue
			}
			if entry.Type == TypeTraining && !strings.EqualFold(entry.Raw, "TR") {
				p.log().Debug("unparsed rota cell",
					zap.String("name", name),
					zap.Time("date", dates[i]),
					zap.String("cell", cell))
			}
			entries = append(entries, entry)
		}
	}
	p.log().Info("parsed rota", zap.Int("rows", len(rows)), zap.Int("entries", len(entries)))
	return entries
}

func skipRow(row []string) bool {
	return strings.Contains(row[0], "Changeover") || strings.TrimSpace(row[1]) == ""
}

func extractName(cell string) string {
	var b strings.Builder
	for _, r := range cell {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseCell(name string, date time.Time, cell string) (Entry, bool) {
	raw := strings.TrimSpace(cell)
	if raw == "" {
		return Entry{}, false
	}
	entry := Entry{Name: name, Date: date, Raw: raw, Type: TypeRegular, Working: true}

	if sc, ok := specialCases[strings.ToUpper(raw)]; ok {
		entry.Type = sc.kind
		entry.Working = sc.working
		return entry, true
	}

	start, end, err := ParseRange(raw, date)
	if err != nil {
		if errors.Is(err, ErrNoTime) {
			entry.Type = TypeTraining
		}
		return entry, true
	}
	entry.Start = start
	entry.End = end
	return entry, true
}
