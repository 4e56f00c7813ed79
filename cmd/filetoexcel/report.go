package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Thiagojm/qrngd/naming"
	"github.com/Thiagojm/qrngd/quality"
)

const (
	sheetName       = "Zscore"
	summarySheet    = "Summary"
	onesColumnName  = "ones"
	blockColumnName = "samples"
	timeColumnName  = "time"
)

// Row is one sample: its label, its ones count and the running
// statistics up to and including it.
type Row struct {
	Label          string
	Ones           int
	CumulativeMean float64
	ZScore         float64
}

// readBin splits a .bin capture into blocks of bits and counts ones per
// block. A short trailing block is counted over the bits it holds.
func readBin(r io.Reader, bits int) ([]Row, error) {
	if bits%8 != 0 || bits <= 0 {
		return nil, errors.New("block size must be a positive multiple of 8 bits for .bin files")
	}
	br := bufio.NewReader(r)
	buf := make([]byte, bits/8)
	var rows []Row
	for block := 1; ; block++ {
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			rows = append(rows, Row{Label: strconv.Itoa(block), Ones: quality.CountOnes(buf[:n], n*8)})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readCSV reads timestamp,ones records as written by collect.
func readCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		onesStr := strings.TrimSpace(rec[1])
		ones, err := strconv.Atoi(onesStr)
		if err != nil {
			return nil, fmt.Errorf("invalid ones value '%s': %w", onesStr, err)
		}
		rows = append(rows, Row{Label: timeLabel(strings.TrimSpace(rec[0])), Ones: ones})
	}
	return rows, nil
}

var timeLayouts = []string{
	"20060102T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"15:04:05",
	"15:04",
}

// timeLabel renders a timestamp as HH:MM:SS, or returns s unchanged.
func timeLabel(s string) string {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04:05")
		}
	}
	return s
}

// cumulativeZ fills in the running mean of ones and its z-score
// against a fair coin, z_i = (mean_i - bits/2) / (sqrt(bits/4) / sqrt(i)).
func cumulativeZ(rows []Row, bits int) {
	sd := math.Sqrt(float64(bits) * 0.25)
	if sd == 0 {
		return
	}
	sum := 0
	for i := range rows {
		sum += rows[i].Ones
		n := float64(i + 1)
		mean := float64(sum) / n
		rows[i].CumulativeMean = mean
		rows[i].ZScore = (mean - 0.5*float64(bits)) / (sd / math.Sqrt(n))
	}
}

// report is a parsed capture ready to export.
type report struct {
	path   string
	meta   naming.Capture
	header string
	rows   []Row
}

func load(path string) (*report, error) {
	meta, err := naming.ParseName(path, time.Local)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rep := &report{path: path, meta: meta}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bin":
		rep.header = blockColumnName
		rep.rows, err = readBin(f, meta.Bits)
	case ".csv":
		rep.header = timeColumnName
		rep.rows, err = readCSV(f)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(rep.rows) == 0 {
		return nil, errors.New("no data to write")
	}
	cumulativeZ(rep.rows, meta.Bits)
	return rep, nil
}

// writeExcel saves the report as an .xlsx workbook in dir (or next to the
// input when dir is empty) with a z-score line chart and a summary sheet.
func (r *report) writeExcel(dir string) (string, error) {
	name := strings.TrimSuffix(filepath.Base(r.path), filepath.Ext(r.path)) + ".xlsx"
	if dir == "" {
		dir = filepath.Dir(r.path)
	}
	out := naming.JoinDir(dir, name)

	f := excelize.NewFile()
	defer f.Close()
	if def := f.GetSheetName(0); def != sheetName {
		f.SetSheetName(def, sheetName)
	}

	_ = f.SetCellStr(sheetName, "A1", r.header)
	_ = f.SetCellStr(sheetName, "B1", onesColumnName)
	_ = f.SetCellStr(sheetName, "C1", "cumulative_mean")
	_ = f.SetCellStr(sheetName, "D1", "z_test")
	for i, row := range r.rows {
		n := i + 2
		_ = f.SetCellStr(sheetName, fmt.Sprintf("A%d", n), row.Label)
		_ = f.SetCellInt(sheetName, fmt.Sprintf("B%d", n), row.Ones)
		_ = f.SetCellFloat(sheetName, fmt.Sprintf("C%d", n), row.CumulativeMean, 6, 64)
		_ = f.SetCellFloat(sheetName, fmt.Sprintf("D%d", n), row.ZScore, 6, 64)
	}

	endRow := len(r.rows) + 1
	chart := &excelize.Chart{
		Type: excelize.Line,
		Series: []excelize.ChartSeries{{
			Name:       fmt.Sprintf("%s!$D$1", sheetName),
			Categories: fmt.Sprintf("%s!$A$2:$A$%d", sheetName, endRow),
			Values:     fmt.Sprintf("%s!$D$2:$D$%d", sheetName, endRow),
		}},
		Title:  []excelize.RichTextRun{{Text: filepath.Base(r.path)}},
		Legend: excelize.ChartLegend{Position: "none"},
		XAxis: excelize.ChartAxis{Title: []excelize.RichTextRun{{
			Text: fmt.Sprintf("Number of Samples - one sample every %d second(s)", r.meta.IntervalSeconds),
		}}},
		YAxis: excelize.ChartAxis{Title: []excelize.RichTextRun{{
			Text: fmt.Sprintf("Z-score - Sample Size = %d bits", r.meta.Bits),
		}}, MajorGridLines: true},
	}
	if err := f.AddChart(sheetName, "F2", chart); err != nil {
		return "", err
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return "", err
	}
	last := r.rows[len(r.rows)-1]
	summary := [][2]any{
		{"device", string(r.meta.Device)},
		{"started", r.meta.Started.Format(time.RFC3339)},
		{"sample_bits", r.meta.Bits},
		{"interval_seconds", r.meta.IntervalSeconds},
		{"samples", len(r.rows)},
		{"final_cumulative_mean", last.CumulativeMean},
		{"final_z", last.ZScore},
	}
	for i, kv := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), kv[1])
	}

	return out, f.SaveAs(out)
}
