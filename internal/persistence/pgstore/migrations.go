package pgstore

import "embed"

// Migrations is the embedded goose migration set; cmd/migrate.go calls
// goose.SetBaseFS on it rather than reading SQL files off disk.
//
//go:embed migrations/*.sql
var Migrations embed.FS
