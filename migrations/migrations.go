// Package migrations embeds the database schema files so the binary can
// apply them at startup.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
