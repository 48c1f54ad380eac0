// Package migrations embeds the API's SQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
