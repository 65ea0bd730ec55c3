package migrations

import "embed"

// MigrationsFS embeds all SQL migration files for goose.
//
//go:embed *.sql
var MigrationsFS embed.FS
