package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/kshedden/datareader"

	"github.com/cdmparser/cdm/pkg/valueparse"
)

// statChunk is the number of rows decoded per read from SAS and Stata files.
const statChunk = 1000

// statReader serves rows out of the column chunks of a SAS or Stata file.
type statReader struct {
	file   *os.File
	src    datareader.StatfileReader
	header []string
	cols   [][]string
	chunk  int
	pos    int
	next   int
	done   bool
	win    window
}

func openStatFile(path string, format Format, opts Options) (*statReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	var src datareader.StatfileReader
	switch format {
	case FormatSAS:
		sas, serr := datareader.NewSAS7BDATReader(f)
		if serr == nil {
			sas.ConvertDates = true
			sas.TrimStrings = true
		}
		src, err = sas, serr
	case FormatStata:
		dta, serr := datareader.NewStataReader(f)
		if serr == nil {
			dta.InsertCategoryLabels = opts.ConvertCategoricals
		}
		src, err = dta, serr
	default:
		err = fmt.Errorf("no column reader for %s", format)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s header: %w", format, err)
	}
	return &statReader{
		file:   f,
		src:    src,
		header: src.ColumnNames(),
		chunk:  statChunk,
		win:    window{start: opts.Start, limit: opts.Limit},
	}, nil
}

func (r *statReader) Header() []string { return r.header }

func (r *statReader) Next() (int, Row, error) {
	for {
		if r.win.past(r.next) {
			return 0, nil, io.EOF
		}
		if len(r.cols) == 0 || r.pos >= len(r.cols[0]) {
			if err := r.fill(); err != nil {
				return 0, nil, err
			}
		}
		index := r.next
		r.next++
		pos := r.pos
		r.pos++
		if r.win.before(index) {
			continue
		}
		row := make(Row, len(r.header))
		for i, h := range r.header {
			row[h] = r.cols[i][pos]
		}
		return index, row, nil
	}
}

// fill decodes the next chunk of rows.
func (r *statReader) fill() error {
	if r.done {
		return io.EOF
	}
	series, err := r.src.Read(r.chunk)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read rows from %d: %w", r.next, err)
	}
	if len(series) == 0 || series[0] == nil || series[0].Length() == 0 {
		r.done = true
		return io.EOF
	}
	cols := make([][]string, len(series))
	for i, s := range series {
		if cols[i], err = seriesStrings(s); err != nil {
			return fmt.Errorf("column %s: %w", r.header[i], err)
		}
	}
	r.cols, r.pos = cols, 0
	return nil
}

// seriesStrings renders a decoded column as raw cells. Missing values become
// empty cells so they fail the usual validity checks.
func seriesStrings(s *datareader.Series) ([]string, error) {
	missing := s.Missing()
	out := make([]string, s.Length())
	render := func(n int, cell func(i int) string) {
		for i := 0; i < n; i++ {
			if missing == nil || !missing[i] {
				out[i] = cell(i)
			}
		}
	}
	switch data := s.Data().(type) {
	case []float64:
		render(len(data), func(i int) string { return valueparse.FormatFloat(data[i]) })
	case []float32:
		render(len(data), func(i int) string {
			return strconv.FormatFloat(float64(data[i]), 'f', -1, 32)
		})
	case []int64:
		render(len(data), func(i int) string { return strconv.FormatInt(data[i], 10) })
	case []int32:
		render(len(data), func(i int) string { return strconv.FormatInt(int64(data[i]), 10) })
	case []int16:
		render(len(data), func(i int) string { return strconv.FormatInt(int64(data[i]), 10) })
	case []int8:
		render(len(data), func(i int) string { return strconv.FormatInt(int64(data[i]), 10) })
	case []uint64:
		render(len(data), func(i int) string { return strconv.FormatUint(data[i], 10) })
	case []string:
		render(len(data), func(i int) string { return data[i] })
	case []time.Time:
		render(len(data), func(i int) string {
			return valueparse.FormatTime(data[i], valueparse.DateFormat)
		})
	default:
		return nil, fmt.Errorf("unsupported column type %T", data)
	}
	return out, nil
}

func (r *statReader) Close() error { return r.file.Close() }
