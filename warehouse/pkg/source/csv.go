package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const duplicatedPrefix = "_duplicated_"

var encodings = map[string]encoding.Encoding{
	"":             unicode.UTF8,
	"utf-8":        unicode.UTF8,
	"utf8":         unicode.UTF8,
	"utf-16":       unicode.UTF16(unicode.LittleEndian, unicode.UseBOM),
	"utf-16le":     unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf-16be":     unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
	"iso-8859-1":   charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
}

// Options controls how an extract is parsed.
type Options struct {
	// Schema holds the declared column types. Columns not in it are read as
	// text.
	Schema dataset.Schema
	// HeaderRow is the 1-based record holding the column names; records
	// before it are skipped.
	HeaderRow int
	Delimiter rune
	Encoding  encoding.Encoding
}

// OptionsFor returns the parse options of a registered dataset.
func OptionsFor(ds config.Dataset) (Options, error) {
	enc, ok := encodings[strings.ToLower(ds.Source.Encoding)]
	if !ok {
		return Options{}, fmt.Errorf("dataset %q: unknown encoding %q", ds.Name, ds.Source.Encoding)
	}
	opts := Options{
		Schema:    ds.Schema(),
		HeaderRow: ds.Source.HeaderRow,
		Delimiter: ',',
		Encoding:  enc,
	}
	if ds.Source.Delimiter != "" {
		opts.Delimiter, _ = utf8.DecodeRuneInString(ds.Source.Delimiter)
	}
	return opts, nil
}

// Stats describes what parsing an extract did to its values.
type Stats struct {
	Rows int
	// Nulled counts non-empty values that did not parse as their declared
	// type and were read as null.
	Nulled int
	// Renamed lists header names that were changed to be unique or non-empty.
	Renamed []string
}

// ReadFile parses the extract at path.
func ReadFile(ctx context.Context, path string, opts Options) (*dataset.Batch, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to open extract: %w", err)
	}
	defer f.Close()
	b, st, err := ReadCSV(ctx, f, opts)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return b, st, nil
}

// ReadCSV parses delimited text into a batch. Empty cells are null. Cells of
// declared columns that do not parse as the declared type are also null
// rather than failing the extract. Short records are padded with nulls and
// long ones truncated to the header width.
func ReadCSV(ctx context.Context, r io.Reader, opts Options) (*dataset.Batch, Stats, error) {
	var st Stats
	enc := opts.Encoding
	if enc == nil {
		enc = unicode.UTF8
	}
	// A BOM wins over the configured encoding and is stripped.
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder())))
	cr.Comma = opts.Delimiter
	if cr.Comma == 0 {
		cr.Comma = ','
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	headerRow := max(opts.HeaderRow, 1)
	var header []string
	for i := 1; i <= headerRow; i++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil, st, fmt.Errorf("no header at record %d", headerRow)
		}
		if err != nil {
			return nil, st, fmt.Errorf("failed to read header: %w", err)
		}
		if i == headerRow {
			header = append([]string(nil), rec...)
		}
	}

	names, renamed := uniqueNames(header)
	st.Renamed = renamed
	cols := make([]dataset.Column, len(names))
	for i, name := range names {
		cols[i] = dataset.Column{Name: name, Type: dataset.TypeString}
		if c, ok := opts.Schema.Lookup(name); ok {
			cols[i].Type = c.Type
		}
	}
	schema, err := dataset.NewSchema(cols...)
	if err != nil {
		return nil, st, err
	}

	b := dataset.NewBatch(schema)
	for {
		if len(b.Rows)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, st, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, st, fmt.Errorf("failed to read record: %w", err)
		}
		row := make([]any, len(cols))
		for i := range cols {
			if i >= len(rec) || rec[i] == "" {
				continue
			}
			row[i], err = parseCell(rec[i], cols[i].Type)
			if err != nil {
				st.Nulled++
				row[i] = nil
			}
		}
		b.Rows = append(b.Rows, row)
	}
	st.Rows = len(b.Rows)
	return b, st, nil
}

func parseCell(s string, typ dataset.ColumnType) (any, error) {
	if typ.IsText() {
		return s, nil
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return dataset.Cast(s, typ, dataset.CastOptions{})
}

// uniqueNames makes header names usable as column names: empty names become
// column_<n> (1-based position) and repeats become _duplicated_<k>, k counting
// repeats across the whole header from 0.
func uniqueNames(header []string) ([]string, []string) {
	out := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	var renamed []string
	dup := 0
	for i, h := range header {
		name := h
		if strings.TrimSpace(name) == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		for seen[name] {
			name = duplicatedPrefix + strconv.Itoa(dup)
			dup++
		}
		if name != h {
			renamed = append(renamed, fmt.Sprintf("%q -> %s", h, name))
		}
		seen[name] = true
		out[i] = name
	}
	return out, renamed
}
