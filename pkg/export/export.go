// Package export serializes extracted records as indented JSON, JSON Lines
// or CSV.
package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// Fixed leading CSV columns
var baseColumns = []string{"url", "step_id", "timestamp"}

// ParseFormat accepts json, jsonl (or ndjson) and csv, case-insensitively
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: unknown export format '%s' (want json, jsonl or csv)", utils.ErrConfigValidation, s)
}

// Ext returns the file extension for f, without the dot
func (f Format) Ext() string { return string(f) }

// Write serializes records to w in the given format
func Write(w io.Writer, format Format, records []models.ExtractedRecord) error {
	switch format {
	case FormatJSON:
		return JSON(w, records)
	case FormatJSONL:
		return JSONL(w, records)
	case FormatCSV:
		return CSV(w, records)
	}
	return fmt.Errorf("%w: unknown export format '%s'", utils.ErrConfigValidation, format)
}

// WriteFile writes records to path, creating parent directories
func WriteFile(path string, format Format, records []models.ExtractedRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, format, records); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush output file: %w", err)
	}
	return f.Close()
}

// JSON writes one indented array. An empty run produces [].
func JSON(w io.Writer, records []models.ExtractedRecord) error {
	if records == nil {
		records = []models.ExtractedRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode JSON export: %w", err)
	}
	return nil
}

// JSONL writes one record per line
func JSONL(w io.Writer, records []models.ExtractedRecord) error {
	enc := json.NewEncoder(w)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode JSONL record %d: %w", i, err)
		}
	}
	return nil
}

// CSV writes url, step_id, timestamp and then the sorted union of all field
// names. Missing and nil fields are blank; lists and maps are JSON-encoded.
func CSV(w io.Writer, records []models.ExtractedRecord) error {
	fields := Columns(records)
	cw := csv.NewWriter(w)

	header := append(append([]string{}, baseColumns...), fields...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}

	row := make([]string, len(header))
	for i, rec := range records {
		row[0] = rec.URL
		row[1] = strconv.Itoa(rec.StepID)
		row[2] = rec.Timestamp.UTC().Format(time.RFC3339Nano)
		for j, field := range fields {
			cell, err := cellValue(rec.Data[field])
			if err != nil {
				return fmt.Errorf("record %d field '%s': %w", i, field, err)
			}
			row[len(baseColumns)+j] = cell
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write CSV row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Columns returns the sorted union of data field names across records
func Columns(records []models.ExtractedRecord) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		for k := range rec.Data {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cellValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
