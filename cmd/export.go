package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/export"
	"github.com/sells-group/finscan/internal/store"
)

var (
	exportFormat string
	exportVideo  string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export detection records as csv, xlsx, json, or yaml",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		if err := cfg.Validate("records"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := st.List(ctx, store.RecordFilter{VideoID: exportVideo})
		if err != nil {
			return eris.Wrap(err, "list records")
		}

		path := exportOut
		if path == "" {
			path = export.Filename(format, time.Now())
		}

		var w io.Writer = os.Stdout
		if path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return eris.Wrap(err, "create export file")
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		if err := export.Write(w, format, recs); err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.String("format", string(format)),
			zap.Int("records", len(recs)),
			zap.String("path", path),
		)
		if path != "-" {
			fmt.Fprintf(os.Stderr, "Wrote %d records to %s\n", len(recs), path)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format (csv, xlsx, json, yaml)")
	exportCmd.Flags().StringVar(&exportVideo, "video", "", "export only this video")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", `output path, "-" for stdout (default detections_<timestamp>.<ext>)`)
	rootCmd.AddCommand(exportCmd)
}
