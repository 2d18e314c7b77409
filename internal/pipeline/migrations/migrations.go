// Package migrations embeds the goose migration set that brings the
// warehouse to head, grounded on api/config/postgres.go's
// `//go:embed migrations/*.sql` + `EmbedMigrations` pattern.
package migrations

import "embed"

//go:embed *.sql
var EmbedMigrations embed.FS
