package transform

import (
	"strings"

	"github.com/cdmparser/cdm/internal/mapping"
	"github.com/cdmparser/cdm/pkg/valueparse"
)

// Comparison symbols a numeric cell may start with, and the OMOP operator
// concept each one is recorded as. Two-character symbols come first.
var symbols = []struct {
	text      string
	conceptID int64
}{
	{"<=", 4171754},
	{">=", 4171755},
	{"<", 4171756},
	{">", 4172704},
	{"=", 4172703},
}

// splitSymbol strips a leading comparison symbol from raw.
func splitSymbol(raw string) (string, *int64) {
	s := strings.TrimSpace(raw)
	for _, sym := range symbols {
		if strings.HasPrefix(s, sym.text) {
			id := sym.conceptID
			return strings.TrimSpace(s[len(sym.text):]), &id
		}
	}
	return raw, nil
}

func hasSymbol(raw string) bool {
	_, id := splitSymbol(raw)
	return id != nil
}

// Kind tells which field of a Value is set.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindBool
)

// Value is a resolved cell.
type Value struct {
	Kind   Kind
	Text   string
	Number float64
	Bool   bool
}

func Text(s string) Value { return Value{Kind: KindText, Text: s} }

func Number(f float64) Value { return Value{Kind: KindNumber, Number: f} }

func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IsSkip reports whether the value mapping asked for the fact to be dropped.
func (v Value) IsSkip() bool { return v.Kind == KindText && v.Text == mapping.SkipValue }

// String renders v the way it is looked up in a value mapping.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return valueparse.FormatFloat(v.Number)
	case KindBool:
		if v.Bool {
			return "True"
		}
		return "False"
	}
	return v.Text
}

// Float returns v as a number.
func (v Value) Float() (float64, error) {
	switch v.Kind {
	case KindNumber:
		return v.Number, nil
	case KindBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	}
	return valueparse.ParseFloat(v.Text)
}

// ResolveOptions carries the per-variable settings of a resolution.
type ResolveOptions struct {
	Aggregate  mapping.Aggregate
	Conversion *float64
	Threshold  *float64
	// SourceVariable is the column the value was read from. Its name is
	// looked up when the value itself is not in the value mapping.
	SourceVariable string
	Prefix         string
	Suffix         string
	Format         string
	Type           mapping.ValueType
}

// optionsFor builds the resolution options of a mapped variable.
func optionsFor(src *mapping.SourceFieldSpec, dst *mapping.DestinationFieldSpec, sourceVariable string, w wave) ResolveOptions {
	opts := ResolveOptions{
		Aggregate:      src.Aggregate,
		Conversion:     src.Conversion,
		Threshold:      src.Threshold,
		SourceVariable: sourceVariable,
		Prefix:         w.prefix,
		Suffix:         w.suffix,
		Format:         src.Format,
	}
	if dst != nil {
		opts.Type = dst.Type
	}
	return opts
}

// Resolved is the outcome of a value resolution. When IsConcept is set,
// Value holds a concept id.
type Resolved struct {
	IsConcept       bool
	Value           Value
	SymbolConceptID *int64
}

// Engine resolves raw cells into emitted values using the mapping model.
type Engine struct {
	model *mapping.Model
}

func NewEngine(model *mapping.Model) *Engine {
	return &Engine{model: model}
}

// Resolve turns the raw cells of variable key into the emitted value. Only
// aggregation reads more than the first cell.
func (e *Engine) Resolve(key string, raw []string, opts ResolveOptions) (Resolved, error) {
	if len(raw) == 0 {
		return Resolved{}, parsingErrorf(key, nil, "no value to resolve")
	}
	stripped, symbol := splitSymbol(raw[0])
	out := Resolved{SymbolConceptID: symbol}

	value := Text(stripped)
	if opts.Threshold != nil {
		f, err := valueparse.ParseFloat(stripped)
		if err != nil {
			return Resolved{}, parsingErrorf(key, err, "threshold needs a number")
		}
		value = Boolean(f > *opts.Threshold)
	}

	if vm, ok := e.model.ValueMapping(key); ok {
		code, found := lookupCode(vm, value.String(), opts)
		if !found {
			return Resolved{}, &UnmappedValueError{Variable: key, Value: raw[0]}
		}
		out.IsConcept = vm.IsConcept
		out.Value = Text(code)
		return out, nil
	}

	if opts.Aggregate != "" {
		v, err := aggregate(key, raw, opts)
		if err != nil {
			return Resolved{}, err
		}
		out.Value = Number(v)
		return out, nil
	}

	switch opts.Type {
	case mapping.TypeDate:
		if opts.Format == "" {
			return Resolved{}, parsingErrorf(key, nil, "no date format configured")
		}
		d, err := valueparse.ParseDate(stripped, opts.Format, valueparse.DateFormat)
		if err != nil {
			return Resolved{}, parsingErrorf(key, err, "invalid date")
		}
		value = Text(d)
	case mapping.TypeNumeric, mapping.TypeInt:
		if value.Kind == KindText {
			f, err := valueparse.ParseFloat(stripped)
			if err != nil {
				return Resolved{}, parsingErrorf(key, err, "invalid number")
			}
			value = Number(f)
		}
	}
	if opts.Conversion != nil {
		f, err := value.Float()
		if err != nil {
			return Resolved{}, parsingErrorf(key, err, "conversion needs a number")
		}
		value = Number(f * *opts.Conversion)
	}
	out.Value = value
	return out, nil
}

// lookupCode tries the value, the default code, the source column name and
// the column name without its wave prefix or suffix, in that order.
func lookupCode(vm *mapping.ValueMapping, value string, opts ResolveOptions) (string, bool) {
	if code, ok := vm.Lookup(value); ok {
		return code, true
	}
	if code, ok := vm.Default(); ok {
		return code, true
	}
	if opts.SourceVariable == "" {
		return "", false
	}
	if code, ok := vm.Lookup(opts.SourceVariable); ok {
		return code, true
	}
	base := strings.TrimSuffix(strings.TrimPrefix(opts.SourceVariable, opts.Prefix), opts.Suffix)
	return vm.Lookup(base)
}

// aggregate combines every raw cell. The mean divides by the number of cells
// received, not by the number of configured columns.
func aggregate(key string, raw []string, opts ResolveOptions) (float64, error) {
	var sum float64
	for _, r := range raw {
		f, err := valueparse.ParseFloat(r)
		if err != nil {
			return 0, parsingErrorf(key, err, "aggregate needs numbers")
		}
		if opts.Conversion != nil {
			f *= *opts.Conversion
		}
		sum += f
	}
	switch opts.Aggregate {
	case mapping.AggregateMean:
		return sum / float64(len(raw)), nil
	case mapping.AggregateSum:
		return sum, nil
	}
	return 0, parsingErrorf(key, nil, "unrecognized aggregate function %q", opts.Aggregate)
}
