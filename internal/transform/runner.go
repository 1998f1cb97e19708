package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cdmparser/cdm/internal/dataset"
)

// DefaultProgressEvery is the number of processed rows between progress logs.
const DefaultProgressEvery = 250

// Summary reports the outcome of a run.
type Summary struct {
	RunID          string
	Processed      int
	Skipped        int
	Facts          int
	VariableErrors int
	Suppressed     int
	StartedAt      time.Time
	Duration       time.Duration
	Warnings       []string
}

// Progress exposes the counters of the current run to other goroutines.
type Progress struct {
	runID     atomic.Value
	startedAt atomic.Int64
	processed atomic.Int64
	skipped   atomic.Int64
	running   atomic.Bool
}

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	RunID     string    `json:"run_id"`
	Running   bool      `json:"running"`
	Processed int64     `json:"processed"`
	Skipped   int64     `json:"skipped"`
	StartedAt time.Time `json:"started_at"`
}

func (p *Progress) start(runID string, at time.Time) {
	p.runID.Store(runID)
	p.startedAt.Store(at.UnixNano())
	p.processed.Store(0)
	p.skipped.Store(0)
	p.running.Store(true)
}

// Snapshot reads the counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	s := ProgressSnapshot{
		Running:   p.running.Load(),
		Processed: p.processed.Load(),
		Skipped:   p.skipped.Load(),
	}
	if id, ok := p.runID.Load().(string); ok {
		s.RunID = id
	}
	if ns := p.startedAt.Load(); ns != 0 {
		s.StartedAt = time.Unix(0, ns).UTC()
	}
	return s
}

// Runner drives a dataset through the Transformer one row at a time.
type Runner struct {
	transformer   *Transformer
	progressEvery int
	progress      *Progress
	logger        zerolog.Logger
}

func NewRunner(t *Transformer, logger zerolog.Logger) *Runner {
	return &Runner{
		transformer:   t,
		progressEvery: DefaultProgressEvery,
		progress:      &Progress{},
		logger:        logger,
	}
}

// Progress returns the live counters of the runner.
func (r *Runner) Progress() *Progress { return r.progress }

// SetProgressEvery changes the progress log interval.
func (r *Runner) SetProgressEvery(n int) {
	if n > 0 {
		r.progressEvery = n
	}
}

// Run transforms the rows of the reader from start, at most limit rows when
// limit is positive. Rows failing with a domain error are skipped and
// counted; any other error stops the run. Cancelling ctx stops the run
// between rows after flushing what was already transformed.
func (r *Runner) Run(ctx context.Context, rows dataset.Reader, start, limit int) (Summary, error) {
	rc := NewRunContext(uuid.NewString())
	sum := Summary{RunID: rc.ID, StartedAt: time.Now().UTC()}
	logger := r.logger.With().Str("run_id", rc.ID).Logger()
	r.progress.start(rc.ID, sum.StartedAt)
	defer r.progress.running.Store(false)

	logger.Info().Int("start", start).Int("limit", limit).Msg("transformation started")

	finish := func(runErr error) (Summary, error) {
		// Facts of completed rows are flushed even when the run was cancelled.
		if err := r.transformer.Flush(context.WithoutCancel(ctx)); err != nil && runErr == nil {
			runErr = fmt.Errorf("flush facts: %w", err)
		}
		sum.Duration = time.Since(sum.StartedAt)
		sum.Warnings = rc.Warnings()
		if s, ok := r.transformer.sink.(interface{ Suppressed() int }); ok {
			sum.Suppressed = s.Suppressed()
		}
		ev := logger.Info()
		if runErr != nil {
			ev = logger.Error().Err(runErr)
		}
		ev.Int("processed", sum.Processed).Int("skipped", sum.Skipped).Int("facts", sum.Facts).
			Int("suppressed", sum.Suppressed).Int("persons_cached", rc.Identities.Len()).
			Dur("duration", sum.Duration).Msg("transformation finished")
		return sum, runErr
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		index, row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return finish(fmt.Errorf("read dataset: %w", err))
		}
		if index < start {
			continue
		}
		if limit > 0 && index-start >= limit {
			break
		}

		stats, err := r.transformer.TransformRow(ctx, rc, index, row)
		sum.Facts += stats.Facts
		sum.VariableErrors += stats.VariableErrors
		if err != nil {
			if !IsDomainError(err) {
				return finish(fmt.Errorf("row %d: %w", index, err))
			}
			sum.Skipped++
			r.progress.skipped.Add(1)
			logger.Warn().Int("row", index).Err(err).Msg("skipped row")
			continue
		}
		sum.Processed++
		r.progress.processed.Add(1)
		if sum.Processed%r.progressEvery == 0 {
			logger.Info().Int("processed", sum.Processed).Int("skipped", sum.Skipped).Msg("progress")
		}
	}
	return finish(nil)
}
