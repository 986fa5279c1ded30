// Package migrations carries the SQL schema files, embedded so the runner
// works regardless of the process working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
