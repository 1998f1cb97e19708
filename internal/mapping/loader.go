package mapping

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cdmparser/cdm/pkg/valueparse"
)

const (
	colVariable        = "variable"
	colSourceVariable  = "source_variable"
	colAlternatives    = "alternatives"
	colValues          = "values"
	colValuesParsed    = "values_parsed"
	colFormat          = "format"
	colLimit           = "limit"
	colCondition       = "condition"
	colAggregate       = "aggregate"
	colConversion      = "conversion"
	colThreshold       = "threshold"
	colStaticValue     = "static_value"
	colDomain          = "domain"
	colConceptID       = "concept_id"
	colValuesConceptID = "values_concept_id"
	colValuesRange     = "values_range"
	colType            = "type"
	colDate            = "date"
	colAdditionalInfo  = "additional_info"
	colUnitConceptID   = "unit_concept_id"
)

// LoadFiles reads both mapping tables from disk and builds the Model.
func LoadFiles(sourcePath, destinationPath string) (*Model, error) {
	sf, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source mapping: %w", err)
	}
	defer sf.Close()
	sources, err := ReadSourceCSV(sf)
	if err != nil {
		return nil, err
	}

	df, err := os.Open(destinationPath)
	if err != nil {
		return nil, fmt.Errorf("open destination mapping: %w", err)
	}
	defer df.Close()
	destinations, err := ReadDestinationCSV(df)
	if err != nil {
		return nil, err
	}

	return New(sources, destinations)
}

// ReadSourceCSV parses the source mapping table.
func ReadSourceCSV(r io.Reader) ([]SourceFieldSpec, error) {
	records, err := readRecords(r)
	if err != nil {
		return nil, err
	}
	specs := make([]SourceFieldSpec, 0, len(records))
	for _, rec := range records {
		s := SourceFieldSpec{
			Variable:       rec.get(colVariable),
			SourceVariable: rec.get(colSourceVariable),
			Alternatives:   splitList(rec.get(colAlternatives)),
			StaticValue:    rec.get(colStaticValue),
			Format:         rec.get(colFormat),
			Values:         splitList(rec.get(colValues)),
			ValuesParsed:   splitList(rec.get(colValuesParsed)),
			Condition:      splitList(rec.get(colCondition)),
			Aggregate:      Aggregate(strings.ToLower(rec.get(colAggregate))),
		}
		if s.Limit, err = optionalFloat(s.Variable, colLimit, rec.get(colLimit)); err != nil {
			return nil, err
		}
		if s.Conversion, err = optionalFloat(s.Variable, colConversion, rec.get(colConversion)); err != nil {
			return nil, err
		}
		if s.Threshold, err = optionalFloat(s.Variable, colThreshold, rec.get(colThreshold)); err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// ReadDestinationCSV parses the destination mapping table.
func ReadDestinationCSV(r io.Reader) ([]DestinationFieldSpec, error) {
	records, err := readRecords(r)
	if err != nil {
		return nil, err
	}
	specs := make([]DestinationFieldSpec, 0, len(records))
	for _, rec := range records {
		d := DestinationFieldSpec{
			Variable:        rec.get(colVariable),
			Domain:          Domain(rec.get(colDomain)),
			Values:          splitList(rec.get(colValues)),
			ValuesConceptID: splitList(rec.get(colValuesConceptID)),
			ValuesRange:     rec.get(colValuesRange),
			Type:            ValueType(strings.ToLower(rec.get(colType))),
			Date:            rec.get(colDate),
			AdditionalInfo:  rec.get(colAdditionalInfo),
		}
		if raw := rec.get(colConceptID); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, errorf(d.Variable, "invalid concept_id %q", raw)
			}
			d.ConceptID = id
		}
		if raw := rec.get(colUnitConceptID); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, errorf(d.Variable, "invalid unit_concept_id %q", raw)
			}
			d.UnitConceptID = &id
		}
		specs = append(specs, d)
	}
	return specs, nil
}

type record struct {
	index  map[string]int
	fields []string
}

func (r record) get(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

func readRecords(r io.Reader) ([]record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errorf("", "mapping table is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := index[colVariable]; !ok {
		return nil, errorf("", "mapping table has no %q column", colVariable)
	}

	var records []record
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read mapping row: %w", err)
		}
		rec := record{index: index, fields: fields}
		if rec.get(colVariable) == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func optionalFloat(variable, column, raw string) (*float64, error) {
	if !valueparse.IsValid(raw) {
		return nil, nil
	}
	f, err := valueparse.ParseFloat(raw)
	if err != nil {
		return nil, errorf(variable, "invalid %s %q", column, raw)
	}
	return &f, nil
}
