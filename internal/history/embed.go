package history

import "embed"

// EmbeddedMigrations contains the SQL migration files embedded into
// the binary, grounded on the teacher's embed-FS migrations pattern.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
