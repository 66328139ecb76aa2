package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/finscan/internal/model"
	"github.com/sells-group/finscan/internal/store"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect detection records",
	Long:  "Commands for listing, viewing, deleting, and summarizing detection records.",
}

// -- records list --

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List detection records",
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

		video, _ := cmd.Flags().GetString("video")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RecordFilter{
			VideoID: video,
			Status:  model.Status(status),
			Limit:   limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		recs, err := st.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "records list")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}

		fmt.Fprintln(os.Stdout, recordsTable(recs))
		return nil
	},
}

// -- records show --

var recordsShowCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show full details of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseRecordID(args[0])
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

		rec, err := st.Get(ctx, id)
		if err != nil {
			return eris.Wrap(err, "records show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// -- records delete --

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <record-id>",
	Short: "Delete a record and its stored image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseRecordID(args[0])
		if err != nil {
			return err
		}
		if err := cfg.Validate("records"); err != nil {
			return err
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirm(os.Stdin, os.Stderr, fmt.Sprintf("Delete record %d?", id)) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		images, err := initImages(ctx)
		if err != nil {
			return err
		}

		ref, err := st.Delete(ctx, id)
		if err != nil {
			return eris.Wrap(err, "records delete")
		}
		if ref != "" {
			if err := images.Delete(ctx, ref); err != nil {
				fmt.Fprintf(os.Stderr, "record deleted, image %s not removed: %v\n", ref, err)
			}
		}
		fmt.Fprintf(os.Stdout, "Deleted record %d.\n", id)
		return nil
	},
}

// -- records stats --

var recordsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts by status",
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

		video, _ := cmd.Flags().GetString("video")
		recs, err := st.List(ctx, store.RecordFilter{VideoID: video})
		if err != nil {
			return eris.Wrap(err, "records stats")
		}

		formatRecordStats(os.Stdout, computeRecordStats(recs))
		return nil
	},
}

func init() {
	recordsListCmd.Flags().String("video", "", "filter by video id")
	recordsListCmd.Flags().String("status", "", "filter by status (pending, enriching, enriched, error)")
	recordsListCmd.Flags().Int("limit", 50, "max number of records to display")

	recordsDeleteCmd.Flags().Bool("yes", false, "skip the confirmation prompt")

	recordsStatsCmd.Flags().String("video", "", "restrict stats to one video")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsDeleteCmd)
	recordsCmd.AddCommand(recordsStatsCmd)
	rootCmd.AddCommand(recordsCmd)
}

func parseRecordID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid record id %q", s)
	}
	return id, nil
}

// confirm asks a yes/no question and reports whether the answer was yes.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// recordStats holds aggregate statistics computed from a set of records.
type recordStats struct {
	Total     int
	ByStatus  map[model.Status]int
	Videos    int
	Sightings int
	Resolved  int
}

// computeRecordStats computes aggregate statistics from a list of records.
func computeRecordStats(recs []model.Record) recordStats {
	s := recordStats{Total: len(recs), ByStatus: make(map[model.Status]int)}
	videos := make(map[string]struct{})
	for _, r := range recs {
		s.ByStatus[r.Status]++
		s.Sightings += len(r.Timestamps)
		videos[r.VideoID] = struct{}{}
		if r.Taxonomy.Resolved() {
			s.Resolved++
		}
	}
	s.Videos = len(videos)
	return s
}

// formatRecordStats writes aggregate stats to w.
func formatRecordStats(w io.Writer, s recordStats) {
	rows := [][]string{
		{"Records", strconv.Itoa(s.Total)},
		{"Videos", strconv.Itoa(s.Videos)},
		{"Sightings", strconv.Itoa(s.Sightings)},
	}
	for _, st := range model.AllStatuses() {
		rows = append(rows, []string{"  " + string(st), strconv.Itoa(s.ByStatus[st])})
	}
	rows = append(rows, []string{"With taxonomy", strconv.Itoa(s.Resolved)})
	fmt.Fprintln(w, renderTable([]string{"METRIC", "COUNT"}, rows, 2))
}
