package services

import (
	"context"
	"fmt"
	"time"
)

type RowLister interface {
	ListRows(ctx context.Context) ([]Row, error)
}

type ExportParams struct {
	Format string
}

type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
}

type ExportService struct {
	store RowLister
	now   func() time.Time
}

func NewExportService(store RowLister) *ExportService {
	return &ExportService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ExportService) ExportCSV(ctx context.Context, params ExportParams) (*ExportResult, error) {
	format := params.Format
	if format == "" {
		format = "sessions"
	}
	var render func([]Row) ([]byte, error)
	switch format {
	case "sessions":
		render = ExportSessionsCSV
	case "messages":
		render = ExportMessagesCSV
	default:
		return nil, NewInvalidError("unsupported format")
	}
	rows, err := s.store.ListRows(ctx)
	if err != nil {
		return nil, NewStoreUnavailableError("list rows", err)
	}
	data, err := render(rows)
	if err != nil {
		return nil, err
	}
	return &ExportResult{
		Filename:    fmt.Sprintf("normlab_%s_%s.csv", format, s.now().Format("20060102")),
		ContentType: "text/csv",
		Data:        data,
	}, nil
}
