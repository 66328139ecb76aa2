// Package export renders detection records as downloadable files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/finscan/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name. An empty name selects CSV.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatXLSX, FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", eris.Errorf("export: unknown format %q", s)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	}
	return "text/csv"
}

// Filename returns detections_YYYYMMDD_HHMMSS.<ext>.
func Filename(f Format, now time.Time) string {
	return "detections_" + now.Format("20060102_150405") + "." + string(f)
}

// columns defines the ordered tabular output columns.
var columns = append([]string{"ID", "Video", "Image", "Timestamps", "Status"}, model.TaxonomyRanks...)

// Write renders records to w in format f.
func Write(w io.Writer, f Format, records []model.Record) error {
	switch f {
	case FormatCSV:
		return writeCSV(w, records)
	case FormatXLSX:
		return writeXLSX(w, records)
	case FormatJSON:
		return writeJSON(w, records)
	case FormatYAML:
		return writeYAML(w, records)
	}
	return eris.Errorf("export: unknown format %q", f)
}

func row(r model.Record) []string {
	out := []string{
		strconv.FormatInt(r.ID, 10),
		r.VideoID,
		r.ImageRef,
		strings.Join(r.Timestamps, "; "),
		string(r.Status),
	}
	return append(out, r.Taxonomy.Ranks()...)
}

func writeCSV(w io.Writer, records []model.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range records {
		if err := cw.Write(row(r)); err != nil {
			return eris.Wrapf(err, "export: write csv row %d", r.ID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

func writeXLSX(w io.Writer, records []model.Record) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Detections")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	addRow := func(cells []string) {
		xr := sheet.AddRow()
		for _, c := range cells {
			xr.AddCell().SetString(c)
		}
	}
	addRow(columns)
	for _, r := range records {
		addRow(row(r))
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}

// document is the structured export shape.
type document struct {
	ID         int64           `json:"id" yaml:"id"`
	Video      string          `json:"video_id" yaml:"video_id"`
	Image      string          `json:"image_ref" yaml:"image_ref"`
	Timestamps []string        `json:"timestamps" yaml:"timestamps"`
	Status     model.Status    `json:"status" yaml:"status"`
	Taxonomy   *model.Taxonomy `json:"taxonomy" yaml:"taxonomy"`
}

func documents(records []model.Record) []document {
	docs := make([]document, len(records))
	for i, r := range records {
		docs[i] = document{
			ID:         r.ID,
			Video:      r.VideoID,
			Image:      r.ImageRef,
			Timestamps: r.Timestamps,
			Status:     r.Status,
			Taxonomy:   r.Taxonomy,
		}
	}
	return docs
}

func writeJSON(w io.Writer, records []model.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(documents(records)), "export: encode json")
}

func writeYAML(w io.Writer, records []model.Record) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(documents(records)); err != nil {
		return eris.Wrap(err, "export: encode yaml")
	}
	return eris.Wrap(enc.Close(), "export: close yaml encoder")
}
