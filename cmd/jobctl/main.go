package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/dataport/cmd/jobctl/commands"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}

	sharedFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to configuration file",
				Value: defaultConfigPath,
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "Path to .env file",
				Value: ".env",
			},
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "Only consider results that expired at least this long ago",
			},
		}
	}

	app := &cli.Command{
		Name:  "jobctl",
		Usage: "Operator commands for the import/export job store",
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Apply pending PostgreSQL schema migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "Path to configuration file",
						Value: defaultConfigPath,
					},
					&cli.StringFlag{
						Name:  "env",
						Usage: "Path to .env file",
						Value: ".env",
					},
				},
				Action: commands.MigrateAction,
			},
			{
				Name:   "expired",
				Usage:  "List export jobs whose results have expired",
				Flags:  sharedFlags(),
				Action: commands.ExpiredListAction,
			},
			{
				Name:  "sweep",
				Usage: "Delete expired export jobs and their files",
				Flags: append(sharedFlags(),
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Print what would be deleted without deleting",
					},
				),
				Action: commands.SweepAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
