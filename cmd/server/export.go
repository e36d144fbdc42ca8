package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/NormLab/internal/services"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the recorded sessions as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			out, _ := cmd.Flags().GetString("out")
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, sqlDB, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB(sqlDB, logger)

			res, err := services.NewExportService(store).ExportCSV(ctx, services.ExportParams{Format: format})
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(res.Data)
				return err
			}
			if err := os.WriteFile(out, res.Data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			logger.Info("export written", "file", out, "bytes", len(res.Data))
			return nil
		},
	}
	cmd.Flags().String("format", "sessions", "sessions or messages")
	cmd.Flags().String("out", "", "output file; stdout when empty")
	return cmd
}
