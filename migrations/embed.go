// Package migrations embeds the SQL schema applied by "intake-api migrate".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
