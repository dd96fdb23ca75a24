// Package export writes extracted records as JSON or CSV.
package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/politescrape/internal/scraper"
)

// ListSeparator joins multi-valued fields in CSV cells.
const ListSeparator = "; "

// ExportError wraps a failed export with the target path and operation.
type ExportError struct {
	Path string
	Op   string
	Err  error
}

func (e *ExportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("export %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

type metadata struct {
	URL         string `json:"url"`
	FinalURL    string `json:"final_url,omitempty"`
	ScrapedAt   string `json:"scraped_at"`
	Title       string `json:"title,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Status      string `json:"status"`
}

// WriteJSON writes records as an indented JSON array. Each object holds the
// fields in sorted order followed by a _metadata object.
func WriteJSON(w io.Writer, records []scraper.ExtractedRecord) error {
	var buf bytes.Buffer
	buf.WriteString("[")
	for i, record := range records {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  ")
		obj, err := encodeRecord(record)
		if err != nil {
			return &ExportError{Op: "json", Err: err}
		}
		buf.Write(obj)
	}
	if len(records) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("]\n")
	if _, err := w.Write(buf.Bytes()); err != nil {
		return &ExportError{Op: "json", Err: err}
	}
	return nil
}

// encodeRecord renders one object with a stable key order: fields first,
// _metadata last. encoding/json sorts map keys, which would misplace it.
func encodeRecord(record scraper.ExtractedRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	names := fieldNames(record)
	for _, name := range names {
		if err := writeMember(&buf, name, record.Get(name).Any()); err != nil {
			return nil, err
		}
		buf.WriteString(",")
	}
	meta := metadata{
		URL:         record.SourceURL,
		FinalURL:    record.FinalURL,
		ScrapedAt:   record.ScrapedAt.UTC().Format(time.RFC3339),
		Title:       record.Title,
		ContentHash: record.ContentHash,
		SessionID:   record.SessionID,
		Status:      "success",
	}
	if err := writeMember(&buf, "_metadata", meta); err != nil {
		return nil, err
	}
	buf.WriteString("}")

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "  ", "  "); err != nil {
		return nil, fmt.Errorf("indent: %w", err)
	}
	return out.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := marshalNoEscape(key)
	if err != nil {
		return err
	}
	v, err := marshalNoEscape(value)
	if err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	buf.Write(k)
	buf.WriteString(":")
	buf.Write(v)
	return nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SaveJSON writes records to path.
func SaveJSON(path string, records []scraper.ExtractedRecord) error {
	return save(path, "json", func(w io.Writer) error { return WriteJSON(w, records) })
}

// WriteCSV writes one row per record. The header is the sorted union of
// field names; metadata is not included.
func WriteCSV(w io.Writer, records []scraper.ExtractedRecord) error {
	header := unionFields(records)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return &ExportError{Op: "csv", Err: err}
	}
	row := make([]string, len(header))
	for _, record := range records {
		for i, name := range header {
			row[i] = Cell(record.Get(name))
		}
		if err := cw.Write(row); err != nil {
			return &ExportError{Op: "csv", Err: err}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return &ExportError{Op: "csv", Err: err}
	}
	return nil
}

// SaveCSV writes records to path.
func SaveCSV(path string, records []scraper.ExtractedRecord) error {
	return save(path, "csv", func(w io.Writer) error { return WriteCSV(w, records) })
}

// Cell renders a value for CSV: null is empty and lists are joined.
func Cell(v scraper.Value) string {
	switch {
	case v.IsNull():
		return ""
	case v.IsList():
		return strings.Join(v.Strings(), ListSeparator)
	default:
		return v.String()
	}
}

func save(path, op string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return &ExportError{Path: path, Op: op, Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = &ExportError{Path: path, Op: op, Err: cerr}
		}
	}()
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		var exportErr *ExportError
		if errors.As(err, &exportErr) {
			exportErr.Path = path
			return exportErr
		}
		return &ExportError{Path: path, Op: op, Err: err}
	}
	if err := bw.Flush(); err != nil {
		return &ExportError{Path: path, Op: op, Err: err}
	}
	return nil
}

func fieldNames(record scraper.ExtractedRecord) []string {
	names := make([]string, 0, len(record.Fields))
	for name := range record.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unionFields(records []scraper.ExtractedRecord) []string {
	seen := make(map[string]struct{})
	for _, record := range records {
		for name := range record.Fields {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
