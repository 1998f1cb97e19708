// Package migrations embeds the SQL scripts creating the CDM tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
