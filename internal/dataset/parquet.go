package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"
)

const parquetChunk = 1024

type parquetReader struct {
	file   *os.File
	reader *parquet.Reader
	header []string
	buf    []parquet.Row
	n      int
	pos    int
	next   int
	done   bool
	win    window
}

func openParquet(path string, opts Options) (*parquetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat dataset: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read parquet footer: %w", err)
	}
	reader := parquet.NewReader(pf)
	var header []string
	for _, col := range reader.Schema().Columns() {
		header = append(header, strings.Join(col, "."))
	}
	return &parquetReader{
		file:   f,
		reader: reader,
		header: header,
		buf:    make([]parquet.Row, parquetChunk),
		win:    window{start: opts.Start, limit: opts.Limit},
	}, nil
}

func (r *parquetReader) Header() []string { return r.header }

func (r *parquetReader) Next() (int, Row, error) {
	for {
		if r.win.past(r.next) {
			return 0, nil, io.EOF
		}
		if r.pos >= r.n {
			if err := r.fill(); err != nil {
				return 0, nil, err
			}
		}
		index := r.next
		r.next++
		values := r.buf[r.pos]
		r.pos++
		if r.win.before(index) {
			continue
		}
		row := make(Row, len(r.header))
		for _, h := range r.header {
			row[h] = ""
		}
		for _, v := range values {
			col := v.Column()
			if col < 0 || col >= len(r.header) || v.IsNull() {
				continue
			}
			row[r.header[col]] = v.String()
		}
		return index, row, nil
	}
}

func (r *parquetReader) fill() error {
	if r.done {
		return io.EOF
	}
	n, err := r.reader.ReadRows(r.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read rows from %d: %w", r.next, err)
	}
	if errors.Is(err, io.EOF) {
		r.done = true
	}
	if n == 0 {
		r.done = true
		return io.EOF
	}
	r.n, r.pos = n, 0
	return nil
}

func (r *parquetReader) Close() error {
	rerr := r.reader.Close()
	if err := r.file.Close(); err != nil {
		return err
	}
	return rerr
}
