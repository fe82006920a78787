// Package migrations embeds the document cache schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
