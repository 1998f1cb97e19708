// Package dataset reads the rows of a cohort dataset file as column -> raw
// string maps, whatever the file format.
package dataset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Row maps the dataset's own column names to raw cell contents.
type Row map[string]string

// Reader is a single-pass sequence of rows.
type Reader interface {
	// Header returns the column names in file order.
	Header() []string
	// Next returns the next row and its index in the file, counting from 0.
	// It returns io.EOF after the last row.
	Next() (int, Row, error)
	Close() error
}

// Options tune how a dataset is read.
type Options struct {
	// Delimiter separates fields in delimited text. Defaults to ',' or '\t'
	// for .tsv files.
	Delimiter rune
	// Encoding is an IANA charset name for delimited text; empty means UTF-8.
	// SPSS files fall back to it when they do not declare their own.
	Encoding string
	// IgnoreEncodingErrors drops undecodable bytes instead of failing.
	IgnoreEncodingErrors bool
	// Start skips that many rows.
	Start int
	// Limit caps the rows returned after Start. Zero means no cap.
	Limit int
	// ConvertCategoricals replaces labelled codes in SPSS and Stata files
	// with their value labels.
	ConvertCategoricals bool
}

// Format is a supported dataset file type.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatSPSS    Format = "sav"
	FormatSAS     Format = "sas7bdat"
	FormatStata   Format = "dta"
	FormatParquet Format = "parquet"
)

// DetectFormat returns the format implied by the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".sav", ".zsav":
		return FormatSPSS, nil
	case ".sas7bdat":
		return FormatSAS, nil
	case ".dta":
		return FormatStata, nil
	case ".parquet":
		return FormatParquet, nil
	}
	return "", fmt.Errorf("unsupported dataset file: %s", path)
}

// Open opens path with the reader matching its extension.
func Open(path string, opts Options) (Reader, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if opts.Start < 0 || opts.Limit < 0 {
		return nil, fmt.Errorf("start and limit must not be negative")
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
		if strings.EqualFold(filepath.Ext(path), ".tsv") {
			opts.Delimiter = '\t'
		}
	}
	var r Reader
	switch format {
	case FormatSPSS:
		r, err = openSPSS(path, opts)
	case FormatSAS, FormatStata:
		r, err = openStatFile(path, format, opts)
	case FormatParquet:
		r, err = openParquet(path, opts)
	default:
		r, err = openCSV(path, opts)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// window applies Start and Limit to absolute row indexes.
type window struct {
	start, limit int
}

func (w window) before(index int) bool { return index < w.start }

func (w window) past(index int) bool {
	return w.limit > 0 && index-w.start >= w.limit
}
