// Package migrations carries the Postgres schema as numbered up/down files.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
