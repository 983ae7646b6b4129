// Package migrations carries the PostgreSQL schema applied by "jobctl migrate"
package migrations

import "embed"

// Files holds the numbered *.sql scripts, applied in file name order
//
//go:embed *.sql
var Files embed.FS
