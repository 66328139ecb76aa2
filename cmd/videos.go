package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/finscan/internal/model"
	"github.com/sells-group/finscan/internal/store"
)

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "List processed videos with record counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("records"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		videos, err := st.ListVideos(ctx)
		if err != nil {
			return eris.Wrap(err, "list videos")
		}
		if len(videos) == 0 {
			fmt.Fprintln(os.Stderr, "No videos found.")
			return nil
		}

		rows := make([][]string, 0, len(videos))
		for _, v := range videos {
			recs, err := st.List(ctx, store.RecordFilter{VideoID: v})
			if err != nil {
				return eris.Wrapf(err, "list records for %s", v)
			}
			s := computeRecordStats(recs)
			rows = append(rows, []string{
				v,
				strconv.Itoa(s.Total),
				strconv.Itoa(s.ByStatus[model.StatusEnriched]),
				strconv.Itoa(s.ByStatus[model.StatusPending]),
				strconv.Itoa(s.ByStatus[model.StatusError]),
			})
		}
		fmt.Fprintln(os.Stdout, renderTable([]string{"VIDEO", "RECORDS", "ENRICHED", "PENDING", "ERROR"}, rows, 2, 3, 4, 5))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(videosCmd)
}
