// README: Embedded goose migrations for the order ledger schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
