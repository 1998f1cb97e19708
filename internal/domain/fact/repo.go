package fact

import "context"

type Repository interface {
	Create(ctx context.Context, f *Fact) error
	// BulkInsert writes facts of a single domain in one statement.
	BulkInsert(ctx context.Context, domain Domain, facts []*Fact) (int64, error)
	// Exists reports whether an identical fact is already stored.
	Exists(ctx context.Context, f *Fact) (bool, error)
}
