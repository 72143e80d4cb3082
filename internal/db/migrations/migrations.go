// Package migrations embeds the goose SQL migrations shared by the sqlite
// and postgres backends.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
