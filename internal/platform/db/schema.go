package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidSchemaName reports whether name can be interpolated as an identifier.
func ValidSchemaName(name string) bool {
	return schemaNamePattern.MatchString(name)
}

// CreateSchema creates the CDM schema if needed and runs all pending
// migrations of m against it. Migrations are skipped when m is nil.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool, schema string, m *Migrator) (int, error) {
	if !ValidSchemaName(schema) {
		return 0, fmt.Errorf("invalid schema name: %s", schema)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}

	if m == nil {
		return 0, nil
	}
	n, err := m.Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return n, nil
}
