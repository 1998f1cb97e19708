// Package spss decodes SPSS system files: plain and bytecode compressed .sav
// files and zlib compressed .zsav files.
//
// Only reading is supported. Cases are decoded one at a time, so files larger
// than memory can be streamed.
package spss

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// Compression is the case data layout announced by the file header.
type Compression int32

const (
	CompressionNone     Compression = 0
	CompressionBytecode Compression = 1
	CompressionZlib     Compression = 2
)

const (
	headerSize = 176
	// segmentData is the number of bytes each very long string segment holds,
	// except the last one.
	segmentData = 252
)

const (
	recVariable       = 2
	recValueLabels    = 3
	recLabelVariables = 4
	recDocument       = 6
	recExtension      = 7
	recEnd            = 999
)

const (
	extIntegerInfo     = 3
	extFloatInfo       = 4
	extLongNames       = 13
	extVeryLongStrings = 14
	extEncoding        = 20
	extLongLabels      = 21
)

// ErrNotSystemFile is returned when the input does not start with an SPSS
// system file header.
var ErrNotSystemFile = errors.New("spss: not a system file")

// Header is the fixed file header.
type Header struct {
	Product     string
	Compression Compression
	// CaseCount is -1 when the writer did not know it.
	CaseCount int
	Bias      float64
	Label     string
	// Encoding is the character set declared by the file, if any.
	Encoding string
}

// Format is a print or write format, e.g. F8.2 or DATE11.
type Format struct {
	Type     int
	Width    int
	Decimals int
}

func parseFormat(p int32) Format {
	return Format{Type: int(p>>16) & 0xff, Width: int(p>>8) & 0xff, Decimals: int(p) & 0xff}
}

// IsDate reports whether values in this format count days.
func (f Format) IsDate() bool {
	switch f.Type {
	case 20, 23, 24, 28, 29, 30, 38, 39:
		return true
	}
	return false
}

// IsDateTime reports whether values in this format are timestamps.
func (f Format) IsDateTime() bool {
	return f.Type == 22 || f.Type == 41
}

// Variable describes one column of the file.
type Variable struct {
	Name  string
	Label string
	// Width is 0 for numeric variables and the byte width of strings.
	Width  int
	Format Format
	// ValueLabels maps a rendered value to its label.
	ValueLabels map[string]string

	shortName string
	segments  []segment
	missing   missingValues
}

// IsNumeric reports whether the variable holds numbers.
func (v *Variable) IsNumeric() bool { return v.Width == 0 }

// LabelOf returns the value label of val, if the variable has one.
func (v *Variable) LabelOf(val Value) (string, bool) {
	if val.SystemMissing || len(v.ValueLabels) == 0 {
		return "", false
	}
	l, ok := v.ValueLabels[v.key(val)]
	return l, ok
}

func (v *Variable) key(val Value) string {
	if v.IsNumeric() {
		return strconv.FormatFloat(val.Number, 'f', -1, 64)
	}
	return val.Text
}

// segment is a run of 8-byte case elements of which used bytes carry data.
type segment struct {
	elements int
	used     int
}

type missingValues struct {
	numbers  []float64
	texts    []string
	hasRange bool
	low      float64
	high     float64
}

func (m missingValues) number(f float64) bool {
	if m.hasRange && f >= m.low && f <= m.high {
		return true
	}
	for _, n := range m.numbers {
		if f == n {
			return true
		}
	}
	return false
}

func (m missingValues) text(s string) bool {
	for _, t := range m.texts {
		if s == t {
			return true
		}
	}
	return false
}

// Value is one decoded cell.
type Value struct {
	Number float64
	Text   string
	// SystemMissing is set for the numeric system-missing value.
	SystemMissing bool
	// Missing is set for system-missing and user-missing values.
	Missing bool
}

// Options tune decoding.
type Options struct {
	// Encoding is the IANA charset used when the file does not declare one.
	Encoding string
}

// Reader decodes the cases of a system file.
type Reader struct {
	Header Header

	in       *bufio.Reader
	order    binary.ByteOrder
	vars     []*Variable
	byIndex  map[int]*Variable
	elements int
	sysmis   float64
	decoder  *encoding.Decoder
	data     elementReader
	cases    int
	buf      []byte

	longNames   string
	veryLong    string
	longLabels  []byte
	fileCharset string
	codePage    int
}

// NewReader reads the file header and dictionary from r and prepares the
// case decoder.
func NewReader(r io.Reader, opts Options) (*Reader, error) {
	sr := &Reader{
		in:      bufio.NewReader(r),
		byIndex: make(map[int]*Variable),
		sysmis:  -math.MaxFloat64,
	}
	if err := sr.readHeader(); err != nil {
		return nil, err
	}
	if err := sr.readDictionary(); err != nil {
		return nil, err
	}
	if err := sr.setEncoding(opts.Encoding); err != nil {
		return nil, err
	}
	if err := sr.finishDictionary(); err != nil {
		return nil, err
	}
	if err := sr.startData(); err != nil {
		return nil, err
	}
	return sr, nil
}

// Variables returns the columns in file order.
func (r *Reader) Variables() []Variable {
	out := make([]Variable, len(r.vars))
	for i, v := range r.vars {
		out[i] = *v
	}
	return out
}

// Read decodes the next case. It returns io.EOF after the last one.
func (r *Reader) Read() ([]Value, error) {
	if r.Header.CaseCount >= 0 && r.cases >= r.Header.CaseCount {
		return nil, io.EOF
	}
	out := make([]Value, len(r.vars))
	first := true
	for i, v := range r.vars {
		var raw []byte
		for _, seg := range v.segments {
			start := len(raw)
			for e := 0; e < seg.elements; e++ {
				if err := r.data.next(r.buf); err != nil {
					if errors.Is(err, io.EOF) {
						if first {
							return nil, io.EOF
						}
						err = io.ErrUnexpectedEOF
					}
					return nil, fmt.Errorf("spss: case %d: %w", r.cases+1, err)
				}
				first = false
				raw = append(raw, r.buf...)
			}
			raw = raw[:start+seg.used]
		}
		out[i] = r.value(v, raw)
	}
	r.cases++
	return out, nil
}

func (r *Reader) value(v *Variable, raw []byte) Value {
	if v.IsNumeric() {
		f := math.Float64frombits(r.order.Uint64(raw))
		if f == r.sysmis || math.IsNaN(f) {
			return Value{SystemMissing: true, Missing: true}
		}
		return Value{Number: f, Missing: v.missing.number(f)}
	}
	s := r.text(raw)
	return Value{Text: s, Missing: v.missing.text(s)}
}

// text decodes a space padded string field.
func (r *Reader) text(b []byte) string {
	b = bytes.TrimRight(b, " \x00")
	if r.decoder != nil {
		if out, err := r.decoder.Bytes(b); err == nil {
			return string(out)
		}
	}
	return string(b)
}

func (r *Reader) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r.in, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrNotSystemFile, err)
	}
	magic := string(buf[:4])
	if magic != "$FL2" && magic != "$FL3" {
		return ErrNotSystemFile
	}
	switch layout := binary.LittleEndian.Uint32(buf[64:68]); layout {
	case 2, 3:
		r.order = binary.LittleEndian
	default:
		r.order = binary.BigEndian
		if l := binary.BigEndian.Uint32(buf[64:68]); l != 2 && l != 3 {
			return fmt.Errorf("spss: unknown layout code %d", layout)
		}
	}
	var raw struct {
		Magic       [4]byte
		Product     [60]byte
		Layout      int32
		CaseSize    int32
		Compression int32
		WeightIndex int32
		Cases       int32
		Bias        float64
		Date        [9]byte
		Time        [8]byte
		Label       [64]byte
		Pad         [3]byte
	}
	if err := binary.Read(bytes.NewReader(buf), r.order, &raw); err != nil {
		return fmt.Errorf("spss: header: %w", err)
	}
	c := Compression(raw.Compression)
	if c != CompressionNone && c != CompressionBytecode && c != CompressionZlib {
		return fmt.Errorf("spss: unknown compression %d", raw.Compression)
	}
	if magic == "$FL3" && c != CompressionZlib {
		return fmt.Errorf("spss: zsav file without zlib compression")
	}
	r.Header = Header{
		Product:     strings.TrimRight(string(raw.Product[:]), " \x00"),
		Compression: c,
		CaseCount:   int(raw.Cases),
		Bias:        raw.Bias,
		Label:       strings.TrimRight(string(raw.Label[:]), " \x00"),
	}
	if r.Header.CaseCount < 0 {
		r.Header.CaseCount = -1
	}
	if r.Header.Bias == 0 {
		r.Header.Bias = 100
	}
	return nil
}

func (r *Reader) int32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.in, b[:]); err != nil {
		return 0, err
	}
	return int32(r.order.Uint32(b[:])), nil
}

func (r *Reader) bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r.in, b)
	return b, err
}

func (r *Reader) readDictionary() error {
	for {
		rec, err := r.int32()
		if err != nil {
			return fmt.Errorf("spss: dictionary: %w", err)
		}
		switch rec {
		case recVariable:
			err = r.readVariable()
		case recValueLabels:
			err = r.readValueLabels()
		case recDocument:
			err = r.readDocument()
		case recExtension:
			err = r.readExtension()
		case recEnd:
			_, err = r.int32()
			if err == nil {
				return nil
			}
		default:
			return fmt.Errorf("spss: unexpected record type %d", rec)
		}
		if err != nil {
			return fmt.Errorf("spss: record type %d: %w", rec, err)
		}
	}
}

func (r *Reader) readVariable() error {
	fixed, err := r.bytes(28)
	if err != nil {
		return err
	}
	typ := int32(r.order.Uint32(fixed[0:4]))
	hasLabel := r.order.Uint32(fixed[4:8]) != 0
	nMissing := int32(r.order.Uint32(fixed[8:12]))
	printFormat := int32(r.order.Uint32(fixed[12:16]))
	name := fixed[20:28]

	index := r.elements
	r.elements++

	var label []byte
	if hasLabel {
		n, err := r.int32()
		if err != nil {
			return err
		}
		if label, err = r.bytes(int(roundUp(int(n), 4))); err != nil {
			return err
		}
		label = label[:n]
	}

	var missing [][]byte
	if nMissing != 0 {
		count := int(nMissing)
		if count < 0 {
			count = -count
		}
		if count > 3 {
			return fmt.Errorf("invalid missing value count %d", nMissing)
		}
		for i := 0; i < count; i++ {
			b, err := r.bytes(8)
			if err != nil {
				return err
			}
			missing = append(missing, b)
		}
	}

	if typ == -1 {
		// Continuation of the preceding string variable.
		return nil
	}
	if typ < 0 || typ > 255 {
		return fmt.Errorf("invalid variable type %d", typ)
	}

	v := &Variable{
		shortName: strings.TrimRight(string(name), " \x00"),
		Width:     int(typ),
		Format:    parseFormat(printFormat),
	}
	v.Name = v.shortName
	if label != nil {
		v.Label = string(label)
	}
	if v.IsNumeric() {
		v.segments = []segment{{elements: 1, used: 8}}
	} else {
		v.segments = []segment{{elements: int(roundUp(v.Width, 8)) / 8, used: v.Width}}
	}
	v.missing = r.parseMissing(v, nMissing, missing)
	r.vars = append(r.vars, v)
	r.byIndex[index] = v
	return nil
}

func (r *Reader) parseMissing(v *Variable, n int32, raw [][]byte) missingValues {
	var m missingValues
	if v.IsNumeric() {
		nums := make([]float64, len(raw))
		for i, b := range raw {
			nums[i] = math.Float64frombits(r.order.Uint64(b))
		}
		if n < 0 {
			m.hasRange, m.low, m.high = true, nums[0], nums[1]
			nums = nums[2:]
		}
		m.numbers = nums
		return m
	}
	for _, b := range raw {
		m.texts = append(m.texts, string(bytes.TrimRight(b, " \x00")))
	}
	return m
}

func (r *Reader) readValueLabels() error {
	count, err := r.int32()
	if err != nil {
		return err
	}
	if count < 0 {
		return fmt.Errorf("invalid value label count %d", count)
	}
	type pair struct {
		value []byte
		label []byte
	}
	pairs := make([]pair, 0, count)
	for i := 0; i < int(count); i++ {
		value, err := r.bytes(8)
		if err != nil {
			return err
		}
		n, err := r.in.ReadByte()
		if err != nil {
			return err
		}
		label, err := r.bytes(int(roundUp(int(n)+1, 8)) - 1)
		if err != nil {
			return err
		}
		pairs = append(pairs, pair{value: value, label: label[:n]})
	}

	rec, err := r.int32()
	if err != nil {
		return err
	}
	if rec != recLabelVariables {
		return fmt.Errorf("value labels followed by record type %d", rec)
	}
	nvars, err := r.int32()
	if err != nil {
		return err
	}
	for i := 0; i < int(nvars); i++ {
		idx, err := r.int32()
		if err != nil {
			return err
		}
		v, ok := r.byIndex[int(idx)-1]
		if !ok {
			return fmt.Errorf("value labels for unknown variable index %d", idx)
		}
		if v.ValueLabels == nil {
			v.ValueLabels = make(map[string]string, len(pairs))
		}
		for _, p := range pairs {
			// Keys and labels are stored raw and decoded once the file
			// encoding is known.
			if v.IsNumeric() {
				f := math.Float64frombits(r.order.Uint64(p.value))
				v.ValueLabels[strconv.FormatFloat(f, 'f', -1, 64)] = string(p.label)
			} else {
				v.ValueLabels[string(bytes.TrimRight(p.value, " \x00"))] = string(p.label)
			}
		}
	}
	return nil
}

func (r *Reader) readDocument() error {
	n, err := r.int32()
	if err != nil {
		return err
	}
	_, err = r.bytes(int(n) * 80)
	return err
}

func (r *Reader) readExtension() error {
	subtype, err := r.int32()
	if err != nil {
		return err
	}
	size, err := r.int32()
	if err != nil {
		return err
	}
	count, err := r.int32()
	if err != nil {
		return err
	}
	data, err := r.bytes(int(size) * int(count))
	if err != nil {
		return err
	}
	switch subtype {
	case extIntegerInfo:
		if len(data) >= 32 {
			r.codePage = int(int32(r.order.Uint32(data[28:32])))
		}
	case extFloatInfo:
		if len(data) >= 8 {
			r.sysmis = math.Float64frombits(r.order.Uint64(data[0:8]))
		}
	case extLongNames:
		r.longNames = string(data)
	case extVeryLongStrings:
		r.veryLong = string(data)
	case extEncoding:
		r.fileCharset = strings.TrimSpace(string(data))
	case extLongLabels:
		r.longLabels = data
	}
	return nil
}

// codePages maps the character codes of the integer info record to charsets.
var codePages = map[int]string{
	1252:  "windows-1252",
	20127: "US-ASCII",
	28591: "ISO-8859-1",
	28605: "ISO-8859-15",
	65001: "UTF-8",
}

func (r *Reader) setEncoding(fallback string) error {
	name := r.fileCharset
	if name == "" {
		name = codePages[r.codePage]
	}
	if name == "" {
		name = fallback
	}
	r.Header.Encoding = name
	if name == "" || strings.EqualFold(name, "UTF-8") {
		return nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		if name == fallback {
			return fmt.Errorf("spss: unknown encoding %q", name)
		}
		// An unknown declared charset is not fatal; strings stay raw.
		return nil
	}
	r.decoder = enc.NewDecoder()
	return nil
}

// finishDictionary applies the extension records, which may only be
// interpreted once every variable has been read.
func (r *Reader) finishDictionary() error {
	for _, v := range r.vars {
		v.Label = r.text([]byte(v.Label))
		if len(v.ValueLabels) > 0 {
			labels := make(map[string]string, len(v.ValueLabels))
			for k, l := range v.ValueLabels {
				if !v.IsNumeric() {
					k = r.text([]byte(k))
				}
				labels[k] = r.text([]byte(l))
			}
			v.ValueLabels = labels
		}
		for i, t := range v.missing.texts {
			v.missing.texts[i] = r.text([]byte(t))
		}
	}

	byShort := make(map[string]*Variable, len(r.vars))
	for _, v := range r.vars {
		byShort[strings.ToUpper(v.shortName)] = v
	}
	for _, pair := range splitPairs(r.longNames) {
		if v, ok := byShort[strings.ToUpper(pair[0])]; ok && pair[1] != "" {
			v.Name = r.text([]byte(pair[1]))
		}
	}
	if err := r.mergeVeryLongStrings(byShort); err != nil {
		return err
	}
	return r.applyLongLabels()
}

// mergeVeryLongStrings folds the segment variables of strings wider than 255
// bytes into their first segment.
func (r *Reader) mergeVeryLongStrings(byShort map[string]*Variable) error {
	pairs := splitPairs(r.veryLong)
	if len(pairs) == 0 {
		return nil
	}
	drop := make(map[*Variable]bool)
	for _, pair := range pairs {
		v, ok := byShort[strings.ToUpper(pair[0])]
		if !ok {
			continue
		}
		width, err := strconv.Atoi(strings.TrimSpace(pair[1]))
		if err != nil || width <= 255 {
			return fmt.Errorf("spss: invalid very long string width %q for %s", pair[1], pair[0])
		}
		nseg := (width + segmentData - 1) / segmentData
		pos := -1
		for i, x := range r.vars {
			if x == v {
				pos = i
				break
			}
		}
		if pos+nseg > len(r.vars) {
			return fmt.Errorf("spss: missing segments for %s", v.Name)
		}
		segs := make([]segment, 0, nseg)
		for s := 0; s < nseg; s++ {
			part := r.vars[pos+s]
			used := segmentData
			if s == nseg-1 {
				used = width - s*segmentData
			}
			segs = append(segs, segment{elements: part.segments[0].elements, used: used})
			if s > 0 {
				drop[part] = true
			}
		}
		v.segments = segs
		v.Width = width
	}
	kept := r.vars[:0]
	for _, v := range r.vars {
		if !drop[v] {
			kept = append(kept, v)
		}
	}
	r.vars = kept
	return nil
}

// applyLongLabels reads the value labels of strings wider than 8 bytes.
func (r *Reader) applyLongLabels() error {
	data := r.longLabels
	next := func() ([]byte, error) {
		if len(data) < 4 {
			return nil, io.ErrUnexpectedEOF
		}
		n := int(int32(r.order.Uint32(data)))
		if n < 0 || len(data) < 4+n {
			return nil, io.ErrUnexpectedEOF
		}
		b := data[4 : 4+n]
		data = data[4+n:]
		return b, nil
	}
	int32At := func() (int, error) {
		if len(data) < 4 {
			return 0, io.ErrUnexpectedEOF
		}
		n := int(int32(r.order.Uint32(data)))
		data = data[4:]
		return n, nil
	}
	for len(data) > 0 {
		name, err := next()
		if err != nil {
			return fmt.Errorf("spss: long string labels: %w", err)
		}
		if _, err := int32At(); err != nil {
			return fmt.Errorf("spss: long string labels: %w", err)
		}
		n, err := int32At()
		if err != nil {
			return fmt.Errorf("spss: long string labels: %w", err)
		}
		v := r.variable(r.text(name))
		for i := 0; i < n; i++ {
			value, err := next()
			if err != nil {
				return fmt.Errorf("spss: long string labels: %w", err)
			}
			label, err := next()
			if err != nil {
				return fmt.Errorf("spss: long string labels: %w", err)
			}
			if v == nil {
				continue
			}
			if v.ValueLabels == nil {
				v.ValueLabels = make(map[string]string, n)
			}
			v.ValueLabels[r.text(value)] = r.text(label)
		}
	}
	return nil
}

func (r *Reader) variable(name string) *Variable {
	for _, v := range r.vars {
		if strings.EqualFold(v.Name, name) || strings.EqualFold(v.shortName, name) {
			return v
		}
	}
	return nil
}

func (r *Reader) startData() error {
	r.buf = make([]byte, 8)
	switch r.Header.Compression {
	case CompressionNone:
		r.data = rawElements{r: r.in}
	case CompressionBytecode:
		r.data = r.bytecode(r.in)
	case CompressionZlib:
		var zh [24]byte
		if _, err := io.ReadFull(r.in, zh[:]); err != nil {
			return fmt.Errorf("spss: zlib header: %w", err)
		}
		headerOffset := int64(r.order.Uint64(zh[0:8]))
		trailerOffset := int64(r.order.Uint64(zh[8:16]))
		n := trailerOffset - headerOffset - int64(len(zh))
		if n < 0 {
			return fmt.Errorf("spss: invalid zlib header offsets %d and %d", headerOffset, trailerOffset)
		}
		r.data = r.bytecode(&zlibBlocks{src: bufio.NewReader(io.LimitReader(r.in, n))})
	}
	return nil
}

func (r *Reader) bytecode(src io.Reader) *bytecodeElements {
	return &bytecodeElements{r: src, pos: 8, bias: r.Header.Bias, sysmis: r.sysmis, order: r.order}
}

// Time converts a date or datetime value, counted in seconds from the
// Gregorian calendar start on 14 October 1582, to a UTC time.
func Time(seconds float64) time.Time {
	days := math.Floor(seconds / 86400)
	rest := seconds - days*86400
	return time.Date(1582, 10, 14, 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, int(days)).
		Add(time.Duration(math.Round(rest*1e3)) * time.Millisecond)
}

func roundUp(n, m int) int {
	return (n + m - 1) / m * m
}

// splitPairs parses the KEY=VALUE lists of the long name and very long
// string records, separated by tabs and optionally NUL terminated.
func splitPairs(s string) [][2]string {
	var out [][2]string
	for _, field := range strings.Split(s, "\t") {
		field = strings.Trim(field, "\x00")
		if field == "" {
			continue
		}
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		out = append(out, [2]string{k, v})
	}
	return out
}
