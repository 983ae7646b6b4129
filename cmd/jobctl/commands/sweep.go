package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuongbtq/dataport/internal/submission"
	"github.com/urfave/cli/v3"
)

// SweepAction deletes expired export jobs together with their stored files
func SweepAction(ctx context.Context, cmd *cli.Command) error {
	before, err := cutoff(cmd, time.Now().UTC())
	if err != nil {
		return err
	}

	appCtx, err := appContextFromFlags(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if cmd.Bool("dry-run") {
		return listExpired(ctx, appCtx.Backends.Store, before, os.Stdout)
	}

	sweeper := submission.NewSweeper(appCtx.Logger.Component("sweeper"), appCtx.Backends.Store, appCtx.Backends.Files)
	return sweep(ctx, sweeper, before, os.Stdout)
}

func sweep(ctx context.Context, sweeper *submission.Sweeper, before time.Time, w io.Writer) error {
	res, err := sweeper.Sweep(ctx, before)
	fmt.Fprintf(w, "expired: %d, deleted: %d, failed: %d\n", res.Expired, res.Deleted, res.Failed)
	if err != nil {
		return fmt.Errorf("sweep incomplete: %w", err)
	}
	return nil
}
