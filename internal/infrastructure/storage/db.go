package storage

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// DB wraps the bun.DB connection shared by the Run Store, Node-Execution
// Store, and Workflow Repository.
type DB struct {
	*bun.DB
}

// Open connects to Postgres via pgdriver/pgdialect, the same stack the
// teacher's storage package uses.
func Open(dsn string) *DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &DB{DB: bun.NewDB(sqldb, pgdialect.New())}
}

// InitSchema creates every table this core persists to, if absent.
func (d *DB) InitSchema(ctx context.Context) error {
	models := []any{
		(*RunModel)(nil),
		(*NodeExecutionModel)(nil),
		(*WorkflowGraphModel)(nil),
	}
	for _, m := range models {
		if _, err := d.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
