// Package migrations holds the goose SQL migrations for the local store's
// physical tables. Logical collections and indices are declared at runtime
// through store.Schema and live inside these tables.
package migrations

import "embed"

// FS contains the embedded migration files.
//
//go:embed *.sql
var FS embed.FS
