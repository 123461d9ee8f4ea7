// Package migrations embeds the schema for each supported database.
package migrations

import "embed"

// FS holds one directory of numbered migrations per dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
