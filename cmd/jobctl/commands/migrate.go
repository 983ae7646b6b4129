package commands

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/cuongbtq/dataport/migrations"
	"github.com/urfave/cli/v3"
)

// migrator is the part of the PostgreSQL client the migrate command needs
type migrator interface {
	Migrate(ctx context.Context, fsys fs.FS) ([]string, error)
}

// MigrateAction applies the pending schema migrations
func MigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := appContextFromFlags(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	db := appCtx.Backends.Database()
	if db == nil {
		return fmt.Errorf("migrate requires the %q store driver", "postgres")
	}

	return migrate(ctx, db, migrations.Files, os.Stdout)
}

func migrate(ctx context.Context, m migrator, fsys fs.FS, w io.Writer) error {
	applied, err := m.Migrate(ctx, fsys)
	for _, version := range applied {
		fmt.Fprintf(w, "applied %s\n", version)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(w, "schema is up to date")
	}
	return nil
}
