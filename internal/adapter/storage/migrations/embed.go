// Package migrations embeds the schema of every SQL backend.
package migrations

import "embed"

// SQLite holds migrations under sqlite/.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// MySQL holds migrations under mysql/.
//
//go:embed mysql/*.sql
var MySQL embed.FS
