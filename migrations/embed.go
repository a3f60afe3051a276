// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they apply regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem containing all .sql files in
// this directory.
//
//go:embed *.sql
var FS embed.FS
