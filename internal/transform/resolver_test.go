package transform

import (
	"errors"
	"testing"

	"github.com/cdmparser/cdm/internal/mapping"
	"github.com/cdmparser/cdm/pkg/valueparse"
)

func newEngine(t *testing.T, sources []mapping.SourceFieldSpec, destinations []mapping.DestinationFieldSpec) *Engine {
	t.Helper()
	sources = append(sources, mapping.SourceFieldSpec{Variable: mapping.KeyDate, SourceVariable: "date_v1", Format: "%Y%m%d"})
	m, err := mapping.New(sources, destinations)
	if err != nil {
		t.Fatalf("build mapping: %v", err)
	}
	return NewEngine(m)
}

func categoricalEngine(t *testing.T, withDefault bool) *Engine {
	values, parsed := []string{"1", "2"}, []string{"M", "F"}
	if withDefault {
		values, parsed = append(values, "-"), append(parsed, "U")
	}
	return newEngine(t,
		[]mapping.SourceFieldSpec{{Variable: "sex", SourceVariable: "sex", Values: values, ValuesParsed: parsed}},
		[]mapping.DestinationFieldSpec{{Variable: "sex", Domain: mapping.DomainPerson}},
	)
}

func TestResolve_Categorical(t *testing.T) {
	e := categoricalEngine(t, true)

	res, err := e.Resolve("sex", []string{"1"}, ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.String() != "M" || res.IsConcept {
		t.Errorf("expected literal M, got %+v", res)
	}

	res, err = e.Resolve("sex", []string{"9"}, ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.String() != "U" {
		t.Errorf("expected default U, got %s", res.Value)
	}
}

func TestResolve_CategoricalUnmapped(t *testing.T) {
	e := categoricalEngine(t, false)
	_, err := e.Resolve("sex", []string{"9"}, ResolveOptions{})
	var ue *UnmappedValueError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnmappedValueError, got %v", err)
	}
	if ue.Variable != "sex" || ue.Value != "9" {
		t.Errorf("unexpected error fields: %+v", ue)
	}
	if !IsDomainError(err) {
		t.Error("expected unmapped value to be a domain error")
	}
}

func TestResolve_CategoricalConcept(t *testing.T) {
	e := newEngine(t,
		[]mapping.SourceFieldSpec{{Variable: "smoking", SourceVariable: "smk", Values: []string{"0", "1", "9"}, ValuesParsed: []string{"no", "yes", "skip"}}},
		[]mapping.DestinationFieldSpec{{Variable: "smoking", Domain: mapping.DomainObservation, ConceptID: 1,
			Values: []string{"no", "yes"}, ValuesConceptID: []string{"4188540", "4188539"}}},
	)
	res, err := e.Resolve("smoking", []string{"1"}, ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsConcept || res.Value.String() != "4188539" {
		t.Errorf("expected concept 4188539, got %+v", res)
	}

	res, err = e.Resolve("smoking", []string{"9"}, ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Value.IsSkip() {
		t.Errorf("expected skip, got %s", res.Value)
	}
}

func TestResolve_CategoricalBySourceVariable(t *testing.T) {
	e := newEngine(t,
		[]mapping.SourceFieldSpec{{Variable: "diabetes_type", SourceVariable: "dm_type1", Alternatives: []string{"dm_type2"},
			Values: []string{"dm_type1", "dm_type2"}, ValuesParsed: []string{"type1", "type2"}}},
		[]mapping.DestinationFieldSpec{{Variable: "diabetes_type", Domain: mapping.DomainCondition,
			Values: []string{"type1", "type2"}, ValuesConceptID: []string{"201254", "201826"}}},
	)

	res, err := e.Resolve("diabetes_type", []string{"1"}, ResolveOptions{SourceVariable: "dm_type2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.String() != "201826" {
		t.Errorf("expected 201826, got %s", res.Value)
	}

	res, err = e.Resolve("diabetes_type", []string{"1"}, ResolveOptions{SourceVariable: "fu2_dm_type1_x", Prefix: "fu2_", Suffix: "_x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.String() != "201254" {
		t.Errorf("expected 201254 after stripping the wave, got %s", res.Value)
	}
}

func TestResolve_Threshold(t *testing.T) {
	e := newEngine(t, nil, nil)
	opts := ResolveOptions{Threshold: floatp(120)}

	res, err := e.Resolve("hypertension", []string{"130"}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.Kind != KindBool || !res.Value.Bool {
		t.Errorf("expected true, got %+v", res.Value)
	}

	res, err = e.Resolve("hypertension", []string{"110"}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.Kind != KindBool || res.Value.Bool {
		t.Errorf("expected false, got %+v", res.Value)
	}
}

func TestResolve_ThresholdThroughMapping(t *testing.T) {
	e := newEngine(t,
		[]mapping.SourceFieldSpec{{Variable: "mort", SourceVariable: "dead", Threshold: floatp(0),
			Values: []string{"True", "False"}, ValuesParsed: []string{"True", "False"}}},
		[]mapping.DestinationFieldSpec{{Variable: "mort", Domain: mapping.DomainPerson}},
	)
	res, err := e.Resolve("mort", []string{"1"}, ResolveOptions{Threshold: floatp(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.String() != "True" {
		t.Errorf("expected True, got %s", res.Value)
	}
}

func TestResolve_Symbol(t *testing.T) {
	e := newEngine(t, nil, nil)
	res, err := e.Resolve("ldl", []string{"<50"}, ResolveOptions{Type: mapping.TypeNumeric})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SymbolConceptID == nil || *res.SymbolConceptID != 4171756 {
		t.Errorf("expected operator concept 4171756, got %v", res.SymbolConceptID)
	}
	if res.Value.Kind != KindNumber || res.Value.Number != 50 {
		t.Errorf("expected 50, got %+v", res.Value)
	}
}

func TestResolve_TwoCharacterSymbol(t *testing.T) {
	e := newEngine(t, nil, nil)
	res, err := e.Resolve("ldl", []string{">= 7,5"}, ResolveOptions{Type: mapping.TypeNumeric})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SymbolConceptID == nil || *res.SymbolConceptID != 4171755 {
		t.Errorf("expected operator concept 4171755, got %v", res.SymbolConceptID)
	}
	if res.Value.Number != 7.5 {
		t.Errorf("expected 7.5, got %v", res.Value.Number)
	}
}

func TestResolve_MeanWithConversion(t *testing.T) {
	e := newEngine(t, nil, nil)
	res, err := e.Resolve("systolic", []string{"10", "20"}, ResolveOptions{
		Aggregate:  mapping.AggregateMean,
		Conversion: floatp(2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.Number != 30 {
		t.Errorf("expected 30, got %v", res.Value.Number)
	}
}

func TestResolve_Sum(t *testing.T) {
	e := newEngine(t, nil, nil)
	res, err := e.Resolve("units", []string{"1", "2", "3.5"}, ResolveOptions{Aggregate: mapping.AggregateSum})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.Number != 6.5 {
		t.Errorf("expected 6.5, got %v", res.Value.Number)
	}
}

func TestResolve_Conversion(t *testing.T) {
	e := newEngine(t, nil, nil)
	res, err := e.Resolve("weight", []string{"3"}, ResolveOptions{Type: mapping.TypeNumeric, Conversion: floatp(0.5)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.Number != 1.5 {
		t.Errorf("expected 1.5, got %v", res.Value.Number)
	}
}

func TestResolve_Date(t *testing.T) {
	e := newEngine(t, nil, nil)
	res, err := e.Resolve("diagnosis_date", []string{"20200115"}, ResolveOptions{Type: mapping.TypeDate, Format: "%Y%m%d"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.String() != "2020-01-15" {
		t.Errorf("expected 2020-01-15, got %s", res.Value)
	}
}

func TestResolve_DateErrors(t *testing.T) {
	e := newEngine(t, nil, nil)

	_, err := e.Resolve("diagnosis_date", []string{"15/01/2020"}, ResolveOptions{Type: mapping.TypeDate, Format: "%Y%m%d"})
	var de *valueparse.DateParseError
	if !errors.As(err, &de) {
		t.Fatalf("expected DateParseError, got %v", err)
	}

	_, err = e.Resolve("diagnosis_date", []string{"20200115"}, ResolveOptions{Type: mapping.TypeDate})
	var pe *ParsingError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParsingError for a missing format, got %v", err)
	}
}

func TestResolve_InvalidNumber(t *testing.T) {
	e := newEngine(t, nil, nil)
	_, err := e.Resolve("systolic", []string{"high"}, ResolveOptions{Type: mapping.TypeNumeric})
	if !IsDomainError(err) {
		t.Fatalf("expected domain error, got %v", err)
	}
}

func TestResolve_TextPassthrough(t *testing.T) {
	e := newEngine(t, nil, nil)
	res, err := e.Resolve("comment", []string{"smoker since 1990"}, ResolveOptions{Type: mapping.TypeText})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value.String() != "smoker since 1990" || res.SymbolConceptID != nil {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestResolve_NoValue(t *testing.T) {
	e := newEngine(t, nil, nil)
	if _, err := e.Resolve("comment", nil, ResolveOptions{}); !IsDomainError(err) {
		t.Fatalf("expected domain error, got %v", err)
	}
}
