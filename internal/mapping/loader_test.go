package mapping

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sourceCSV = `variable,source_variable,alternatives,values,values_parsed,format,limit,condition,aggregate,conversion,threshold,static_value
source_id,pid,,,,,,,,,,
sex,sex,,1/2,M/F,,,,,,,
birth_year,byear,,,,,,,,,,
date,date_v1,,,,%Y%m%d,,,,,,
systolic,bp_v1,bp_v2,,,,300,,mean,"0,5",,
hypertension,bp_v1,,,,,,,,,140,
`

const destinationCSV = `Variable,Domain,Concept_ID,values,values_concept_id,values_range,type,date,additional_info,unit_concept_id
sex,Person,,M/F,8507/8532,,,,,
systolic,Measurement,3004249,,,>0,numeric,date,,8876
hypertension,Condition,316866,,,,bool,,,
`

func TestReadSourceCSV(t *testing.T) {
	specs, err := ReadSourceCSV(strings.NewReader(sourceCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 6 {
		t.Fatalf("expected 6 specs, got %d", len(specs))
	}
	bp := specs[4]
	if bp.Variable != "systolic" || bp.SourceVariable != "bp_v1" {
		t.Errorf("unexpected systolic spec: %+v", bp)
	}
	if len(bp.Alternatives) != 1 || bp.Alternatives[0] != "bp_v2" {
		t.Errorf("expected alternative bp_v2, got %v", bp.Alternatives)
	}
	if bp.Aggregate != AggregateMean {
		t.Errorf("expected mean, got %s", bp.Aggregate)
	}
	if bp.Conversion == nil || *bp.Conversion != 0.5 {
		t.Error("expected conversion 0.5")
	}
	if bp.Limit == nil || *bp.Limit != 300 {
		t.Error("expected limit 300")
	}
	if specs[5].Threshold == nil || *specs[5].Threshold != 140 {
		t.Error("expected threshold 140")
	}
}

func TestReadDestinationCSV_CaseInsensitiveHeader(t *testing.T) {
	specs, err := ReadDestinationCSV(strings.NewReader(destinationCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	sys := specs[1]
	if sys.Domain != DomainMeasurement || sys.ConceptID != 3004249 {
		t.Errorf("unexpected systolic spec: %+v", sys)
	}
	if sys.UnitConceptID == nil || *sys.UnitConceptID != 8876 {
		t.Error("expected unit concept 8876")
	}
	if sys.Type != TypeNumeric {
		t.Errorf("expected numeric, got %s", sys.Type)
	}
}

func TestReadDestinationCSV_BadConcept(t *testing.T) {
	in := "variable,domain,concept_id\nbp,Measurement,abc\n"
	_, err := ReadDestinationCSV(strings.NewReader(in))
	var merr *Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected mapping error, got %v", err)
	}
}

func TestReadSourceCSV_BadLimit(t *testing.T) {
	in := "variable,source_variable,limit\nbp,bp,high\n"
	if _, err := ReadSourceCSV(strings.NewReader(in)); err == nil {
		t.Fatal("expected error for non-numeric limit")
	}
}

func TestReadSourceCSV_MissingVariableColumn(t *testing.T) {
	in := "name,source_variable\nbp,bp\n"
	if _, err := ReadSourceCSV(strings.NewReader(in)); err == nil {
		t.Fatal("expected error without variable column")
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.csv")
	dst := filepath.Join(dir, "destination.csv")
	if err := os.WriteFile(src, []byte(sourceCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte(destinationCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadFiles(src, dst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vm, ok := m.ValueMapping("sex")
	if !ok || !vm.IsConcept {
		t.Fatal("expected concept mapping for sex")
	}
	if code, _ := vm.Lookup("2"); code != "8532" {
		t.Errorf("expected 8532, got %s", code)
	}
	if m.SourceVariable(KeySourceID) != "pid" {
		t.Errorf("expected pid, got %s", m.SourceVariable(KeySourceID))
	}
}

func TestLoadFiles_Missing(t *testing.T) {
	if _, err := LoadFiles("/nonexistent/source.csv", "/nonexistent/destination.csv"); err == nil {
		t.Fatal("expected error for missing files")
	}
}
