// Package migrations embeds the SQL migration files for the mirror DB.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
