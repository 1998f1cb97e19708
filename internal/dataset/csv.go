package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

type csvReader struct {
	file   *os.File
	csv    *csv.Reader
	header []string
	clean  transform.Transformer
	strict bool
	next   int
	win    window
}

func openCSV(path string, opts Options) (*csvReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	r, err := newCSVReader(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

func newCSVReader(in io.Reader, opts Options) (*csvReader, error) {
	src := in
	if opts.Encoding != "" {
		enc, err := ianaindex.IANA.Encoding(opts.Encoding)
		if err != nil {
			return nil, fmt.Errorf("unknown encoding %q: %w", opts.Encoding, err)
		}
		if enc != nil {
			src = transform.NewReader(in, enc.NewDecoder())
		}
	}
	delim := opts.Delimiter
	if delim == 0 {
		delim = ','
	}
	cr := csv.NewReader(src)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	r := &csvReader{
		csv:    cr,
		strict: !opts.IgnoreEncodingErrors,
		// Undecodable input surfaces as U+FFFD whatever the source charset.
		clean: transform.Chain(runes.ReplaceIllFormed(), runes.Remove(runes.Predicate(func(c rune) bool {
			return c == utf8.RuneError
		}))),
		win: window{start: opts.Start, limit: opts.Limit},
	}
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty dataset: no header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if header[i], err = r.decode(h, 0); err != nil {
			return nil, err
		}
	}
	r.header = header
	return r, nil
}

func (r *csvReader) Header() []string { return r.header }

func (r *csvReader) Next() (int, Row, error) {
	for {
		if r.win.past(r.next) {
			return 0, nil, io.EOF
		}
		record, err := r.csv.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, nil, io.EOF
			}
			return 0, nil, fmt.Errorf("read row %d: %w", r.next, err)
		}
		index := r.next
		r.next++
		if r.win.before(index) {
			continue
		}
		row := make(Row, len(r.header))
		for i, h := range r.header {
			if i >= len(record) {
				row[h] = ""
				continue
			}
			if row[h], err = r.decode(record[i], index); err != nil {
				return 0, nil, err
			}
		}
		return index, row, nil
	}
}

// decode checks a field for undecodable bytes, failing in strict mode and
// dropping them otherwise.
func (r *csvReader) decode(field string, index int) (string, error) {
	if utf8.ValidString(field) && !strings.ContainsRune(field, utf8.RuneError) {
		return field, nil
	}
	if r.strict {
		return "", fmt.Errorf("row %d: invalid byte sequence for the configured encoding", index)
	}
	out, _, err := transform.String(r.clean, field)
	if err != nil {
		return "", fmt.Errorf("row %d: %w", index, err)
	}
	return out, nil
}

func (r *csvReader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
