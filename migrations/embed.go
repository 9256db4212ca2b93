// Package migrations embeds the state store's SQL migration files into the
// binary, so the bridge can migrate without the files on disk.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS

// FS holds every *.up.sql migration at its root. Pass it to
// database.DB.Migrate.
var FS = files
