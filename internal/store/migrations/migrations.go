package migrations

import "embed"

// FS holds the SQL migrations applied by store.OpenSQLite.
//
//go:embed *.sql
var FS embed.FS
