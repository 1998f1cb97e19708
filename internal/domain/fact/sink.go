package fact

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Sink receives the facts produced by the transformation.
type Sink interface {
	Emit(ctx context.Context, f *Fact) error
	// Flush writes anything still buffered.
	Flush(ctx context.Context) error
}

// ImmediateSink writes every fact as it is emitted.
type ImmediateSink struct {
	repo    Repository
	written int
}

func NewImmediateSink(repo Repository) *ImmediateSink {
	return &ImmediateSink{repo: repo}
}

func (s *ImmediateSink) Emit(ctx context.Context, f *Fact) error {
	if err := s.repo.Create(ctx, f); err != nil {
		return fmt.Errorf("insert %s fact: %w", f.Domain, err)
	}
	s.written++
	return nil
}

func (s *ImmediateSink) Flush(context.Context) error { return nil }

// Written returns the number of facts stored.
func (s *ImmediateSink) Written() int { return s.written }

// BufferedSink groups facts by domain and bulk inserts a domain once its
// buffer holds size facts. Flush must be called at the end of the run.
type BufferedSink struct {
	repo    Repository
	size    int
	buffers map[Domain][]*Fact
	written int
	logger  zerolog.Logger
}

func NewBufferedSink(repo Repository, size int, logger zerolog.Logger) *BufferedSink {
	if size < 1 {
		size = 1
	}
	return &BufferedSink{
		repo:    repo,
		size:    size,
		buffers: make(map[Domain][]*Fact, len(Domains)),
		logger:  logger,
	}
}

func (s *BufferedSink) Emit(ctx context.Context, f *Fact) error {
	if !f.Domain.Valid() {
		return fmt.Errorf("unsupported fact domain %q", f.Domain)
	}
	s.buffers[f.Domain] = append(s.buffers[f.Domain], f)
	if len(s.buffers[f.Domain]) >= s.size {
		return s.flushDomain(ctx, f.Domain)
	}
	return nil
}

func (s *BufferedSink) Flush(ctx context.Context) error {
	for _, d := range Domains {
		if err := s.flushDomain(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *BufferedSink) flushDomain(ctx context.Context, d Domain) error {
	batch := s.buffers[d]
	if len(batch) == 0 {
		return nil
	}
	n, err := s.repo.BulkInsert(ctx, d, batch)
	if err != nil {
		return fmt.Errorf("bulk insert %d %s facts: %w", len(batch), d, err)
	}
	s.written += int(n)
	s.buffers[d] = batch[:0:0]
	s.logger.Debug().Str("domain", string(d)).Int64("rows", n).Msg("bulk insert")
	return nil
}

// Pending returns the number of buffered facts of domain d.
func (s *BufferedSink) Pending(d Domain) int { return len(s.buffers[d]) }

// Written returns the number of facts stored.
func (s *BufferedSink) Written() int { return s.written }

// DedupSink drops facts identical to one already stored or already emitted
// during the run.
type DedupSink struct {
	next       Sink
	repo       Repository
	seen       map[string]struct{}
	suppressed int
}

func NewDedupSink(next Sink, repo Repository) *DedupSink {
	return &DedupSink{next: next, repo: repo, seen: make(map[string]struct{})}
}

func (s *DedupSink) Emit(ctx context.Context, f *Fact) error {
	k := f.key()
	if _, dup := s.seen[k]; dup {
		s.suppressed++
		return nil
	}
	exists, err := s.repo.Exists(ctx, f)
	if err != nil {
		return fmt.Errorf("check duplicate %s fact: %w", f.Domain, err)
	}
	s.seen[k] = struct{}{}
	if exists {
		s.suppressed++
		return nil
	}
	return s.next.Emit(ctx, f)
}

func (s *DedupSink) Flush(ctx context.Context) error { return s.next.Flush(ctx) }

// Suppressed returns the number of facts dropped as duplicates.
func (s *DedupSink) Suppressed() int { return s.suppressed }
