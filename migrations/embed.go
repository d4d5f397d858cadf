// Package migrations embeds the SQL migrations of the saved cart store.
package migrations

import "embed"

// FS holds every *.sql file of this directory.
//
//go:embed *.sql
var FS embed.FS
