package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arnavshah/rota-swap-go/internal/rota"
	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// RowReader returns the raw cell values of a spreadsheet range
type RowReader interface {
	ReadRows(ctx context.Context, spreadsheetID, readRange string) ([][]string, error)
}

// Sheets reads a rota grid from a spreadsheet and keeps the timed working
// entries. Each person's row is one source record per date, so the natural
// key is (person, date).
type Sheets struct {
	Reader RowReader
	Now    func() time.Time
	Log    *zap.Logger
}

// FetchSnapshot implements Source. The snapshot window starts at the
// parser's cutoff; shifts before it are left alone.
func (s *Sheets) FetchSnapshot(ctx context.Context, scope config.Scope) (models.Snapshot, error) {
	rows, err := s.Reader.ReadRows(ctx, scope.Source.SpreadsheetID, scope.Source.Range)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("read spreadsheet %s: %w", scope.Source.SpreadsheetID, err)
	}

	parser := &rota.Parser{
		Location:        scope.Location(),
		IncludePastDays: scope.Source.IncludePastDays,
		Now:             s.Now,
		Log:             s.Log,
	}
	entries := parser.Parse(rows)

	records := make([]models.SourceRecord, 0, len(entries))
	for _, e := range entries {
		if !e.Timed() {
			continue
		}
		records = append(records, models.SourceRecord{
			SourceRecordID: strings.ToLower(e.Name),
			Start:          e.Start,
			End:            e.End,
			AssigneeRef:    e.Name,
			DepartmentRef:  scope.Department,
		})
	}
	sortRecords(records)
	return models.Snapshot{Records: records, From: parser.Cutoff()}, nil
}

// GoogleSheets reads ranges through the Sheets v4 API
type GoogleSheets struct {
	svc *sheets.Service
}

// NewGoogleSheets builds a read-only Sheets client from a service account file
func NewGoogleSheets(ctx context.Context, credentialsFile string) (*GoogleSheets, error) {
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}
	return &GoogleSheets{svc: svc}, nil
}

// ReadRows implements RowReader
func (g *GoogleSheets) ReadRows(ctx context.Context, spreadsheetID, readRange string) ([][]string, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, len(raw))
		for i, cell := range raw {
			row[i] = fmt.Sprint(cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
