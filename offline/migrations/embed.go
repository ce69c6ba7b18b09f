// Package migrations contains embedded SQL migrations for the offline store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
