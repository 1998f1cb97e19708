package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cdmparser/cdm/pkg/spss"
	"github.com/cdmparser/cdm/pkg/valueparse"
)

// savReader streams the cases of an SPSS system file.
type savReader struct {
	file   *os.File
	src    *spss.Reader
	vars   []spss.Variable
	header []string
	labels bool
	next   int
	win    window
}

func openSPSS(path string, opts Options) (*savReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	src, err := spss.NewReader(f, spss.Options{Encoding: opts.Encoding})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s header: %w", FormatSPSS, err)
	}
	vars := src.Variables()
	header := make([]string, len(vars))
	for i, v := range vars {
		header[i] = v.Name
	}
	return &savReader{
		file:   f,
		src:    src,
		vars:   vars,
		header: header,
		labels: opts.ConvertCategoricals,
		win:    window{start: opts.Start, limit: opts.Limit},
	}, nil
}

func (r *savReader) Header() []string { return r.header }

func (r *savReader) Next() (int, Row, error) {
	for {
		if r.win.past(r.next) {
			return 0, nil, io.EOF
		}
		values, err := r.src.Read()
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		if err != nil {
			return 0, nil, fmt.Errorf("read row %d: %w", r.next, err)
		}
		index := r.next
		r.next++
		if r.win.before(index) {
			continue
		}
		row := make(Row, len(r.header))
		for i := range r.vars {
			row[r.header[i]] = r.cell(&r.vars[i], values[i])
		}
		return index, row, nil
	}
}

// cell renders one value. Missing values become empty cells and labelled
// values are replaced by their label when categoricals are converted.
func (r *savReader) cell(v *spss.Variable, val spss.Value) string {
	if val.Missing {
		return ""
	}
	if r.labels {
		if l, ok := v.LabelOf(val); ok {
			return l
		}
	}
	switch {
	case !v.IsNumeric():
		return val.Text
	case v.Format.IsDate():
		return valueparse.FormatTime(spss.Time(val.Number), valueparse.DateFormat)
	case v.Format.IsDateTime():
		return valueparse.FormatTime(spss.Time(val.Number), valueparse.DateTimeFormat)
	}
	return valueparse.FormatFloat(val.Number)
}

func (r *savReader) Close() error { return r.file.Close() }
