package main

import (
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/sells-group/finscan/internal/model"
)

func renderTable(headers []string, rows [][]string, rightAligned ...int) string {
	if len(headers) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(rightAligned))
	for _, col := range rightAligned {
		configs = append(configs, table.ColumnConfig{
			Number:      col,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// recordsTable renders a compact one-line-per-record listing.
func recordsTable(recs []model.Record) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		species := model.Unknown
		if r.Taxonomy != nil {
			species = r.Taxonomy.Species
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			truncate(r.VideoID, 30),
			string(r.Status),
			species,
			firstAndCount(r.Timestamps),
		})
	}
	return renderTable([]string{"ID", "VIDEO", "STATUS", "SPECIES", "SEEN"}, rows, 1)
}

// firstAndCount shows the first sighting and how many more followed.
func firstAndCount(ts []string) string {
	switch len(ts) {
	case 0:
		return ""
	case 1:
		return ts[0]
	}
	return ts[0] + " (+" + strconv.Itoa(len(ts)-1) + ")"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
