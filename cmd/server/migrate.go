package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/NormLab/internal/services"
)

// sheetTimeLayouts are the completion timestamp formats seen in spreadsheet exports.
var sheetTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

func newImportSheetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-sheet",
		Short: "One-time copy of a spreadsheet CSV export into an empty store",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("csv")
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open sheet: %w", err)
			}
			defer f.Close()
			rows, err := parseSheet(f)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, sqlDB, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB(sqlDB, logger)

			n, err := store.CountRows(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("store %s already holds %d rows; import only runs against an empty store", cfg.SQLitePath, n)
			}
			if err := store.AppendRows(ctx, rows); err != nil {
				return fmt.Errorf("import rows: %w", err)
			}
			logger.Info("sheet imported", "rows", len(rows), "sqlite", cfg.SQLitePath)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rows\n", len(rows))
			return nil
		},
	}
	cmd.Flags().String("csv", "", "path to the spreadsheet CSV export")
	_ = cmd.MarkFlagRequired("csv")
	return cmd
}

// parseSheet reads a spreadsheet export whose columns follow services.RowHeader.
// The first line is a header and is skipped.
func parseSheet(r io.Reader) ([]services.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var rows []services.Row
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sheet: %w", err)
		}
		if line == 1 {
			continue
		}
		row, err := parseSheetRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("sheet line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseSheetRecord(rec []string) (services.Row, error) {
	if len(rec) < len(services.RowHeader) {
		return services.Row{}, fmt.Errorf("expected %d columns, got %d", len(services.RowHeader), len(rec))
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	if rec[0] == "" {
		return services.Row{}, errors.New("empty identity")
	}
	initial, err := strconv.Atoi(rec[5])
	if err != nil {
		return services.Row{}, fmt.Errorf("initial_opinion %q: %w", rec[5], err)
	}
	final, err := strconv.Atoi(rec[6])
	if err != nil {
		return services.Row{}, fmt.Errorf("final_opinion %q: %w", rec[6], err)
	}
	completed, err := parseSheetTime(rec[10])
	if err != nil {
		return services.Row{}, err
	}
	return services.Row{
		Identity:           rec[0],
		TopicKey:           rec[1],
		TopicTitle:         rec[2],
		NormKey:            rec[3],
		NormTitle:          rec[4],
		InitialOpinion:     initial,
		FinalOpinion:       final,
		TranscriptJSON:     rec[7],
		Argumentation:      rec[8],
		HelpTranscriptJSON: rec[9],
		CompletedAt:        completed,
	}, nil
}

func parseSheetTime(s string) (time.Time, error) {
	for _, layout := range sheetTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("completed_at %q: unrecognised timestamp", s)
}
