// Package migrations embeds the Postgres schema so binaries and tests can
// apply it without a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
