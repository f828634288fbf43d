// Package migrations embeds the SQL schema so tests and tooling apply the
// same files in the same order.
package migrations

import "embed"

// Files holds every *.sql migration, applied in lexical order.
//
//go:embed *.sql
var Files embed.FS
