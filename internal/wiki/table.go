// Package wiki extracts HTML tables, typically from Wikipedia articles, and
// writes them as CSV.
package wiki

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrNoTables means the page contains no <table> element.
	ErrNoTables = errors.New("no tables found on the page")
	// ErrNoRows means the selected table has no <tr> rows.
	ErrNoRows = errors.New("no rows found in the selected table")
)

// TableIndexError reports an out-of-range table index.
type TableIndexError struct {
	Index int
	Count int
}

func (e *TableIndexError) Error() string {
	return fmt.Sprintf("table index %d out of range: found %d tables", e.Index, e.Count)
}

// Table is a parsed HTML table.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Fetcher returns the HTML body for a URL. *scraper.Session satisfies it.
type Fetcher interface {
	FetchHTML(ctx context.Context, rawURL string) (string, error)
}

// ScrapeTable fetches rawURL and parses its index'th table.
func ScrapeTable(ctx context.Context, fetcher Fetcher, rawURL string, index int) (Table, error) {
	html, err := fetcher.FetchHTML(ctx, rawURL)
	if err != nil {
		return Table{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return ParseTable(html, index)
}

// ParseTable parses the index'th <table> in document order. Headers come from
// the first row's <th> cells; when it has none, its <td> cells are used and
// the row is consumed. Data rows are rows with at least one <td>, padded to
// the header width.
func ParseTable(html string, index int) (Table, error) {
	if index < 0 {
		return Table{}, &TableIndexError{Index: index}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Table{}, fmt.Errorf("parse html: %w", err)
	}
	tables := doc.Find("table")
	if tables.Length() == 0 {
		return Table{}, ErrNoTables
	}
	if index >= tables.Length() {
		return Table{}, &TableIndexError{Index: index, Count: tables.Length()}
	}

	rows := tables.Eq(index).Find("tr")
	if rows.Length() == 0 {
		return Table{}, ErrNoRows
	}

	first := rows.First()
	headers := cellTexts(first.Find("th"))
	if len(headers) == 0 {
		headers = cellTexts(first.Find("td"))
	}
	out := Table{
		Title:   strings.TrimSpace(doc.Find("title").First().Text()),
		Headers: headers,
	}
	rows.Slice(1, rows.Length()).Each(func(_ int, row *goquery.Selection) {
		cols := cellTexts(row.Find("td"))
		if len(cols) == 0 {
			return
		}
		for len(cols) < len(headers) {
			cols = append(cols, "")
		}
		out.Rows = append(out.Rows, cols)
	})
	return out, nil
}

func cellTexts(cells *goquery.Selection) []string {
	out := make([]string, 0, cells.Length())
	cells.Each(func(_ int, cell *goquery.Selection) {
		out = append(out, strings.TrimSpace(cell.Text()))
	})
	return out
}

// WriteCSV writes the header row followed by every data row.
func (t Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Write(t.Headers) //nolint:errcheck // surfaced by cw.Error below
	for _, row := range t.Rows {
		cw.Write(row) //nolint:errcheck // surfaced by cw.Error below
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write table csv: %w", err)
	}
	return nil
}

// SaveCSV writes the table to path.
func (t Table) SaveCSV(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return t.WriteCSV(f)
}
