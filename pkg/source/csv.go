package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/models"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// CSVFile reads a scope's records from the file at scope.Source.Path. The
// file is the complete source, so the snapshot window is unbounded.
type CSVFile struct{}

// FetchSnapshot implements Source
func (CSVFile) FetchSnapshot(_ context.Context, scope config.Scope) (models.Snapshot, error) {
	f, err := os.Open(scope.Source.Path)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("open rota csv: %w", err)
	}
	defer f.Close()

	records, err := ParseCSV(f, scope.Location(), scope.Department)
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{Records: records}, nil
}

// ParseCSV reads records with the header
// source_record_id,start,end,assignee[,department]. Times without an offset
// are read in loc. Rows that cannot be read are kept with zero times so that
// validation reports them instead of the row silently vanishing.
func ParseCSV(r io.Reader, loc *time.Location, department string) ([]models.SourceRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols := make(map[string]int)
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"source_record_id", "start", "end", "assignee"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv header is missing %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []models.SourceRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}

		dept := field(row, "department")
		if dept == "" {
			dept = department
		}
		start, _ := parseTime(field(row, "start"), loc)
		end, _ := parseTime(field(row, "end"), loc)
		records = append(records, models.SourceRecord{
			SourceRecordID: field(row, "source_record_id"),
			Start:          start,
			End:            end,
			AssigneeRef:    field(row, "assignee"),
			DepartmentRef:  dept,
		})
	}
	return records, nil
}

func parseTime(v string, loc *time.Location) (time.Time, error) {
	for _, layout := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339 {
			t, err = time.Parse(layout, v)
		} else {
			t, err = time.ParseInLocation(layout, v, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time %q", v)
}
