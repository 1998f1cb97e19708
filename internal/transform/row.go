// Package transform turns dataset rows into persons, visits and clinical
// facts as directed by the mapping model.
package transform

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/cdmparser/cdm/internal/dataset"
	"github.com/cdmparser/cdm/internal/domain/fact"
	"github.com/cdmparser/cdm/internal/domain/person"
	"github.com/cdmparser/cdm/internal/mapping"
	"github.com/cdmparser/cdm/pkg/valueparse"
)

// DefaultSourceValueLength bounds the stored source value string.
const DefaultSourceValueLength = 50

// PersonResolver finds, creates and updates persons.
type PersonResolver interface {
	Resolve(ctx context.Context, rc *person.RunCache, sourceID string, cohortID *int64) (int64, bool, error)
	Record(ctx context.Context, rc *person.RunCache, sourceID string, personID int64, cohortID *int64) error
	Create(ctx context.Context, p *person.Person) error
	UpdateDeath(ctx context.Context, personID int64, death *time.Time) error
}

// VisitResolver finds or creates the visit of a person at a timestamp.
type VisitResolver interface {
	ResolveOrCreate(ctx context.Context, personID int64, cohortID *int64, ts time.Time) (int64, error)
}

// TxFunc runs fn atomically. The default runs fn as is.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Options configure the transformation of every row of a run.
type Options struct {
	CohortID *int64
	// FollowUpPrefixes and FollowUpSuffixes name the column variants of
	// repeated measurements. The unmodified column is always read first.
	FollowUpPrefixes     []string
	FollowUpSuffixes     []string
	MissingValues        []string
	SourceValueMaxLength int
}

// wave is one pass over a row with a column prefix or suffix.
type wave struct {
	prefix, suffix string
}

func (w wave) column(name string) string { return w.prefix + name + w.suffix }

func buildWaves(prefixes, suffixes []string) []wave {
	waves := []wave{{}}
	seen := map[wave]bool{{}: true}
	add := func(w wave) {
		if !seen[w] {
			seen[w] = true
			waves = append(waves, w)
		}
	}
	for _, p := range prefixes {
		add(wave{prefix: p})
	}
	for _, s := range suffixes {
		add(wave{suffix: s})
	}
	return waves
}

// RowStats describes what a transformed row produced.
type RowStats struct {
	PersonID       int64
	NewPerson      bool
	Waves          int
	Visits         int
	Facts          int
	VariableErrors int
}

// Transformer converts one row at a time. It is not safe for concurrent use.
type Transformer struct {
	model   *mapping.Model
	engine  *Engine
	persons PersonResolver
	visits  VisitResolver
	sink    fact.Sink
	opts    Options
	waves   []wave
	tx      TxFunc
	logger  zerolog.Logger
}

func NewTransformer(model *mapping.Model, persons PersonResolver, visits VisitResolver, sink fact.Sink, opts Options, logger zerolog.Logger) *Transformer {
	if opts.SourceValueMaxLength <= 0 {
		opts.SourceValueMaxLength = DefaultSourceValueLength
	}
	return &Transformer{
		model:   model,
		engine:  NewEngine(model),
		persons: persons,
		visits:  visits,
		sink:    sink,
		opts:    opts,
		waves:   buildWaves(opts.FollowUpPrefixes, opts.FollowUpSuffixes),
		tx:      noTx,
		logger:  logger,
	}
}

// WithTx makes person creation and its identity record atomic.
func (t *Transformer) WithTx(tx TxFunc) *Transformer {
	if tx != nil {
		t.tx = tx
	}
	return t
}

// Flush writes the facts still buffered by the sink.
func (t *Transformer) Flush(ctx context.Context) error {
	return t.sink.Flush(ctx)
}

// TransformRow resolves the person of the row, then for every wave its
// visits and facts. A returned domain error means the row was skipped.
func (t *Transformer) TransformRow(ctx context.Context, rc *RunContext, index int, row dataset.Row) (RowStats, error) {
	var stats RowStats
	personID, isNew, err := t.resolvePerson(ctx, rc, row)
	if err != nil {
		return stats, err
	}
	stats.PersonID, stats.NewPerson = personID, isNew

	for _, w := range t.waves {
		visits, err := t.resolveVisits(ctx, personID, row, w)
		if err != nil {
			return stats, err
		}
		if len(visits) == 0 {
			t.logger.Debug().Int("row", index).Int64("person_id", personID).
				Str("prefix", w.prefix).Str("suffix", w.suffix).Msg("skipped wave without visit date")
			continue
		}
		stats.Waves++
		stats.Visits += len(visits)
		if err := t.emitFacts(ctx, rc, row, w, personID, visits, &stats); err != nil {
			return stats, err
		}
	}
	if stats.Waves == 0 {
		t.logger.Info().Int("row", index).Int64("person_id", personID).Msg("no visit dates found, row has no facts")
	}
	return stats, nil
}

type visitRef struct {
	column string
	id     int64
}

// resolveVisits creates or finds one visit per date column present in the
// wave. Unparsable dates are logged and ignored.
func (t *Transformer) resolveVisits(ctx context.Context, personID int64, row dataset.Row, w wave) ([]visitRef, error) {
	params := t.model.VisitDates()
	var refs []visitRef
	for _, col := range params.SourceVariables {
		name := w.column(col)
		raw, ok := row[name]
		if !ok || !valueparse.IsValid(raw) {
			continue
		}
		ts, err := valueparse.ParseTime(raw, params.Format)
		if err != nil {
			t.logger.Debug().Str("column", name).Int64("person_id", personID).Err(err).Msg("skipping visit date")
			continue
		}
		id, err := t.visits.ResolveOrCreate(ctx, personID, t.opts.CohortID, ts)
		if err != nil {
			return nil, err
		}
		refs = append(refs, visitRef{column: name, id: id})
	}
	return refs, nil
}

func (t *Transformer) emitFacts(ctx context.Context, rc *RunContext, row dataset.Row, w wave, personID int64, visits []visitRef, stats *RowStats) error {
	for _, key := range t.model.SourceKeys() {
		src, _ := t.model.Source(key)
		dst, ok := t.model.Destination(key)
		if !ok {
			if !mapping.IsDateKey(key) && !mapping.IsPersonKey(key) && rc.firstWarning(key) {
				t.logger.Warn().Str("variable", key).Msg("skipped variable without destination mapping")
			}
			continue
		}
		if !dst.Domain.IsFact() {
			if !dst.Domain.IsKnown() && rc.firstWarning(key) {
				t.logger.Warn().Str("variable", key).Str("domain", string(dst.Domain)).Msg("skipped variable with unsupported domain")
			}
			continue
		}

		f, err := t.buildFact(rc, row, w, personID, visits, src, dst)
		if err != nil {
			if !IsDomainError(err) {
				return err
			}
			stats.VariableErrors++
			if rc.firstWarning(key) {
				t.logger.Warn().Str("variable", key).Err(err).Msg("failed to transform variable")
			}
			continue
		}
		if f == nil {
			continue
		}
		if err := t.sink.Emit(ctx, f); err != nil {
			return err
		}
		stats.Facts++
	}
	return nil
}

// buildFact returns nil when the row has no value for the variable or the
// value mapping says to skip it.
func (t *Transformer) buildFact(rc *RunContext, row dataset.Row, w wave, personID int64, visits []visitRef, src *mapping.SourceFieldSpec, dst *mapping.DestinationFieldSpec) (*fact.Fact, error) {
	values, columns := t.candidates(row, w, src, dst)
	if len(values) == 0 {
		return nil, nil
	}
	raw := values[:1]
	if src.Aggregate != "" {
		raw = values
	}
	var sourceVariable string
	if len(columns) > 0 {
		sourceVariable = columns[0]
	}
	res, err := t.engine.Resolve(src.Variable, raw, optionsFor(src, dst, sourceVariable, w))
	if err != nil {
		return nil, err
	}
	if res.Value.IsSkip() {
		return nil, nil
	}

	when, visitID, err := t.eventDate(row, w, dst, visits)
	if err != nil {
		return nil, err
	}
	info, err := t.additionalInfo(row, w, src, dst)
	if err != nil {
		if !IsDomainError(err) {
			return nil, err
		}
		if rc.firstWarning(dst.AdditionalInfo + " (additional info)") {
			t.logger.Warn().Str("variable", dst.Variable).Str("additional_info", dst.AdditionalInfo).Err(err).
				Msg("kept fact with raw additional info")
		}
	}
	f := &fact.Fact{
		Domain:            fact.Domain(dst.Domain),
		PersonID:          personID,
		ConceptID:         dst.ConceptID,
		Datetime:          when,
		UnitConceptID:     dst.UnitConceptID,
		OperatorConceptID: res.SymbolConceptID,
		VisitID:           &visitID,
		SourceValue:       truncate(strings.Join(values, ";"), t.opts.SourceValueMaxLength),
		AdditionalInfo:    truncatePtr(info, fact.MaxAdditionalInfoLength),
	}
	if err := setValue(f, src.Variable, res); err != nil {
		return nil, err
	}
	return f, nil
}

// candidates gathers the usable cells of the variable's columns in the wave.
// Cells failing the condition filter are only used when none passes it. A
// variable without columns yields its static value.
func (t *Transformer) candidates(row dataset.Row, w wave, src *mapping.SourceFieldSpec, dst *mapping.DestinationFieldSpec) ([]string, []string) {
	if src.SourceVariable == "" {
		if src.StaticValue != "" {
			return []string{src.StaticValue}, nil
		}
		return nil, nil
	}
	var values, columns, altValues, altColumns []string
	for _, col := range src.SourceVariables() {
		name := w.column(col)
		raw, ok := row[name]
		if !ok || !t.acceptable(raw, src.Limit, dst.ValuesRange) {
			continue
		}
		if src.MatchesCondition(raw) {
			values, columns = append(values, raw), append(columns, name)
		} else {
			altValues, altColumns = append(altValues, raw), append(altColumns, name)
		}
	}
	if len(values) == 0 {
		return altValues, altColumns
	}
	return values, columns
}

// usable reports whether a cell holds a value that is not a missing keyword.
func (t *Transformer) usable(raw string) bool {
	return valueparse.IsValid(raw) && !valueparse.IsMissing(strings.TrimSpace(raw), t.opts.MissingValues)
}

// acceptable adds the limit and range checks to usable. Cells carrying a
// comparison symbol are exempt from both.
func (t *Transformer) acceptable(raw string, limit *float64, valuesRange string) bool {
	if !t.usable(raw) {
		return false
	}
	if hasSymbol(raw) {
		return true
	}
	if limit != nil {
		f, err := valueparse.ParseFloat(raw)
		if err != nil || f >= *limit {
			return false
		}
	}
	return inRange(raw, valuesRange)
}

// inRange evaluates a range expression such as ">=0" or "<300".
func inRange(raw, expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	for _, op := range []string{">=", "<=", ">", "<"} {
		i := strings.Index(expr, op)
		if i < 0 {
			continue
		}
		v, err := valueparse.ParseFloat(raw)
		if err != nil {
			return false
		}
		var bound float64
		if rest := strings.TrimSpace(expr[i+len(op):]); rest != "" {
			if bound, err = valueparse.ParseFloat(rest); err != nil {
				return false
			}
		}
		switch op {
		case ">=":
			return v >= bound
		case "<=":
			return v <= bound
		case ">":
			return v > bound
		default:
			return v < bound
		}
	}
	return true
}

// eventDate returns the timestamp and visit of a fact. It uses the
// variable's own date columns when it has any, else the default datetime and
// the wave's first visit.
func (t *Transformer) eventDate(row dataset.Row, w wave, dst *mapping.DestinationFieldSpec, visits []visitRef) (time.Time, int64, error) {
	when, visitID := fact.DefaultDatetime, visits[0].id
	params, ok := t.model.DateParameters(dst.Date)
	if !ok {
		return when, visitID, nil
	}
	format := params.Format
	if format == "" {
		format = t.model.VisitDates().Format
	}
	for _, col := range params.SourceVariables {
		name := w.column(col)
		for _, v := range visits {
			if v.column == name {
				visitID = v.id
			}
		}
		raw, present := row[name]
		if !present || !t.usable(raw) {
			continue
		}
		ts, err := valueparse.ParseTime(raw, format)
		if err != nil {
			return when, visitID, parsingErrorf(dst.Variable, err, "invalid event date in %s", name)
		}
		return ts, visitID, nil
	}
	return when, visitID, nil
}

// additionalInfo returns the free text stored next to the fact: the static
// value or "column: value" of the variable named by the destination, else
// the variable's own static value. When the named variable's value cannot be
// resolved, the raw "column: cell" is returned along with the error.
func (t *Transformer) additionalInfo(row dataset.Row, w wave, src *mapping.SourceFieldSpec, dst *mapping.DestinationFieldSpec) (*string, error) {
	if info, ok := t.model.Source(dst.AdditionalInfo); ok && dst.AdditionalInfo != "" {
		if info.StaticValue != "" {
			s := info.StaticValue
			return &s, nil
		}
		if info.SourceVariable == "" {
			return nil, nil
		}
		name := w.column(info.SourceVariable)
		raw, present := row[name]
		if !present || !valueparse.IsValid(raw) {
			return nil, nil
		}
		res, err := t.engine.Resolve(info.Variable, []string{raw}, ResolveOptions{
			SourceVariable: name,
			Prefix:         w.prefix,
			Suffix:         w.suffix,
		})
		if err != nil {
			// The raw cell is kept so the fact is not lost.
			s := name + ": " + strings.TrimSpace(raw)
			return &s, err
		}
		s := name + ": " + res.Value.String()
		return &s, nil
	}
	if src.StaticValue != "" {
		s := src.StaticValue
		return &s, nil
	}
	return nil, nil
}

// setValue stores the resolved value in the columns of the fact's domain.
// Conditions carry no value.
func setValue(f *fact.Fact, variable string, res Resolved) error {
	if f.Domain == fact.Condition {
		return nil
	}
	if res.IsConcept {
		id, err := strconv.ParseInt(strings.TrimSpace(res.Value.Text), 10, 64)
		if err != nil {
			return parsingErrorf(variable, err, "concept id %q is not a number", res.Value.Text)
		}
		f.ValueConceptID = &id
		return nil
	}
	if f.Domain == fact.Measurement {
		n, err := res.Value.Float()
		if err != nil {
			return parsingErrorf(variable, err, "measurement value must be numeric")
		}
		f.ValueNumber = &n
		return nil
	}
	s := truncate(res.Value.String(), fact.MaxValueStringLength)
	f.ValueString = &s
	if res.Value.Kind == KindNumber {
		n := res.Value.Number
		f.ValueNumber = &n
	}
	return nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func truncatePtr(s *string, n int) *string {
	if s == nil {
		return nil
	}
	v := truncate(*s, n)
	return &v
}
