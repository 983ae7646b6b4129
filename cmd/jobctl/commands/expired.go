package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/job/storage"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// ExpiredListAction prints the export jobs whose results have expired
func ExpiredListAction(ctx context.Context, cmd *cli.Command) error {
	before, err := cutoff(cmd, time.Now().UTC())
	if err != nil {
		return err
	}

	appCtx, err := appContextFromFlags(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	return listExpired(ctx, appCtx.Backends.Store, before, os.Stdout)
}

// listExpired writes one table row per expired job
func listExpired(ctx context.Context, store storage.Store, before time.Time, w io.Writer) error {
	ids, err := store.ListExpired(ctx, before)
	if err != nil {
		return fmt.Errorf("failed to list expired jobs: %w", err)
	}

	if len(ids) == 0 {
		fmt.Fprintf(w, "No jobs expired before %s\n", before.Format(time.RFC3339))
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Organization", "Kind", "Result", "Expired At")

	for _, id := range ids {
		j, err := store.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrJobNotFound) {
				continue
			}
			return fmt.Errorf("failed to load job %s: %w", id, err)
		}
		table.Append(j.ID, j.OrganizationID, string(j.Kind), resultName(j), formatTime(j.ExpiresAt))
	}

	table.Render()
	fmt.Fprintf(w, "%d job(s) expired before %s\n", len(ids), before.Format(time.RFC3339))
	return nil
}

func resultName(j *job.Job) string {
	if j.Result == nil {
		return "-"
	}
	return j.Result.Name
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
