// Package migrations embeds the SQL migrations for the delivery log.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
