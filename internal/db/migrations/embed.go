// Package migrations embeds the local store schema migrations.
//
// Files are named V<version>__<description>.up.sql with a matching
// .down.sql rollback.
package migrations

import "embed"

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS
