package transform

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cdmparser/cdm/internal/dataset"
	"github.com/cdmparser/cdm/internal/domain/fact"
	"github.com/cdmparser/cdm/internal/domain/person"
	"github.com/cdmparser/cdm/internal/mapping"
	"github.com/cdmparser/cdm/pkg/valueparse"
)

// resolvePerson returns the person of the row. Rows sharing a natural id
// share a person; without a natural id column every row is a new person.
func (t *Transformer) resolvePerson(ctx context.Context, rc *RunContext, row dataset.Row) (int64, bool, error) {
	idColumn := t.model.SourceVariable(mapping.KeySourceID)
	if idColumn == "" {
		p, err := t.buildPerson(row)
		if err != nil {
			return 0, false, err
		}
		if err := t.persons.Create(ctx, p); err != nil {
			return 0, false, err
		}
		return p.ID, true, nil
	}

	raw, ok := row[idColumn]
	if !ok || !t.usable(raw) {
		return 0, false, parsingErrorf(mapping.KeySourceID, nil, "no natural id in column %s", idColumn)
	}
	sourceID := strings.TrimSpace(raw)
	if utf8.RuneCountInString(sourceID) > person.MaxSourceIDLength {
		return 0, false, parsingErrorf(mapping.KeySourceID, nil, "natural id longer than %d characters", person.MaxSourceIDLength)
	}
	id, isNew, err := t.persons.Resolve(ctx, rc.Identities, sourceID, t.opts.CohortID)
	if err != nil {
		return 0, false, err
	}
	if !isNew {
		death, err := t.deathDate(row)
		if err != nil {
			return 0, false, err
		}
		if err := t.persons.UpdateDeath(ctx, id, death); err != nil {
			return 0, false, err
		}
		return id, false, nil
	}

	p, err := t.buildPerson(row)
	if err != nil {
		return 0, false, err
	}
	err = t.tx(ctx, func(ctx context.Context) error {
		if err := t.persons.Create(ctx, p); err != nil {
			return err
		}
		return t.persons.Record(ctx, rc.Identities, sourceID, p.ID, t.opts.CohortID)
	})
	if err != nil {
		return 0, false, err
	}
	return p.ID, true, nil
}

// waveColumns lists the column of key in every wave.
func (t *Transformer) waveColumns(key string) []string {
	col := t.model.SourceVariable(key)
	if col == "" {
		return nil
	}
	out := make([]string, len(t.waves))
	for i, w := range t.waves {
		out[i] = w.column(col)
	}
	return out
}

// firstUsable returns the first usable cell of key across the waves.
func (t *Transformer) firstUsable(row dataset.Row, key string) (string, string, bool) {
	for _, col := range t.waveColumns(key) {
		if raw, ok := row[col]; ok && t.usable(raw) {
			return raw, col, true
		}
	}
	return "", "", false
}

func (t *Transformer) buildPerson(row dataset.Row) (*person.Person, error) {
	raw, col, ok := t.firstUsable(row, mapping.KeySex)
	if !ok {
		return nil, parsingErrorf(mapping.KeySex, nil, "missing sex")
	}
	res, err := t.engine.Resolve(mapping.KeySex, []string{raw}, ResolveOptions{SourceVariable: col})
	if err != nil {
		return nil, err
	}
	p := &person.Person{CareSiteID: t.opts.CohortID}
	code := res.Value.String()
	if id, err := strconv.ParseInt(strings.TrimSpace(code), 10, 64); err == nil {
		p.GenderConceptID = id
	} else {
		code = truncate(code, person.MaxGenderSourceValueLength)
		p.GenderSourceValue = &code
	}

	if p.YearOfBirth, err = t.yearOfBirth(row); err != nil {
		return nil, err
	}
	if p.DeathDatetime, err = t.deathDate(row); err != nil {
		return nil, err
	}
	return p, nil
}

// yearOfBirth reads the birth year, or infers it from the age observed at the
// date named by the age destination.
func (t *Transformer) yearOfBirth(row dataset.Row) (int, error) {
	if raw, _, ok := t.firstUsable(row, mapping.KeyBirthYear); ok {
		f, err := valueparse.ParseFloat(raw)
		if err != nil || int(f) <= 0 {
			return 0, parsingErrorf(mapping.KeyBirthYear, err, "invalid year of birth %q", raw)
		}
		return int(f), nil
	}

	year, err := t.yearFromAge(row)
	if err != nil {
		return 0, err
	}
	if year <= 0 {
		return 0, parsingErrorf(mapping.KeyBirthYear, nil, "the row should contain the year of birth")
	}
	return year, nil
}

func (t *Transformer) yearFromAge(row dataset.Row) (int, error) {
	dst, ok := t.model.Destination(mapping.KeyAge)
	if !ok {
		return 0, nil
	}
	src, ok := t.model.Source(mapping.KeyAge)
	if !ok {
		return 0, nil
	}
	dates, ok := t.model.DateParameters(dst.Date)
	if !ok {
		return 0, nil
	}
	format := dates.Format
	if format == "" {
		format = t.model.VisitDates().Format
	}

	for i, ageCol := range src.SourceVariables() {
		if i >= len(dates.SourceVariables) {
			break
		}
		for _, w := range t.waves {
			var age float64
			raw, present := row[w.column(ageCol)]
			switch {
			case present && t.acceptable(raw, src.Limit, ""):
				f, err := valueparse.ParseFloat(raw)
				if err != nil {
					return 0, parsingErrorf(mapping.KeyAge, err, "invalid age")
				}
				age = f
			case valueparse.IsValid(src.StaticValue):
				f, err := valueparse.ParseFloat(src.StaticValue)
				if err != nil {
					return 0, parsingErrorf(mapping.KeyAge, err, "invalid static age")
				}
				age = f
			default:
				continue
			}
			dateCol := w.column(dates.SourceVariables[i])
			ref, ok := row[dateCol]
			if !ok || !t.usable(ref) {
				continue
			}
			year, err := valueparse.YearOfBirth(age, ref, format)
			if err != nil {
				return 0, parsingErrorf(mapping.KeyAge, err, "year of birth from %s", dateCol)
			}
			return year, nil
		}
	}
	return 0, nil
}

// deathDate returns the death date of the row, the default datetime when
// only the death flag is set, or nil.
func (t *Transformer) deathDate(row dataset.Row) (*time.Time, error) {
	if raw, col, ok := t.firstUsable(row, mapping.KeyDeathDate); ok {
		format := t.model.VisitDates().Format
		if src, ok := t.model.Source(mapping.KeyDeathDate); ok && src.Format != "" {
			format = src.Format
		}
		ts, err := valueparse.ParseTime(raw, format)
		if err != nil {
			return nil, parsingErrorf(mapping.KeyDeathDate, err, "invalid death date in %s", col)
		}
		return &ts, nil
	}
	for _, col := range t.waveColumns(mapping.KeyDeathFlag) {
		raw, ok := row[col]
		if !ok || !t.usable(raw) {
			continue
		}
		res, err := t.engine.Resolve(mapping.KeyDeathFlag, []string{raw}, ResolveOptions{SourceVariable: col})
		if err != nil {
			return nil, err
		}
		if res.Value.String() == "True" {
			ts := fact.DefaultDatetime
			return &ts, nil
		}
	}
	return nil, nil
}
