// Package migrations embeds the Postgres schema applied by "emr-server migrate".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
