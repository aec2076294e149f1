// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Output raw JSON",
	}
}

func runIDFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "run-id",
		Aliases:  []string{"r"},
		Usage:    "Migration run ID",
		Required: true,
	}
}

func optionalRunIDFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "run-id",
		Aliases: []string{"r"},
		Usage:   "Migration run ID; defaults to the run for the configured source and destination",
	}
}

// setupCommand creates the configuration file and initializes the state database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "setup",
		Usage:  "Create config.toml if missing, initialize the state database and run migrations",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Setup,
	}
}

// migrateCommand runs and resumes migrations.
func migrateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Migrate the export into the knowledge base",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Start a migration, or continue the one for this source and destination",
				Flags: []cli.Flag{
					configFlag(),
					jsonFlag(),
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Only enumerate the first N documents",
					},
					&cli.StringFlag{
						Name:  "filter",
						Usage: "Only enumerate documents whose title or organization matches this regular expression",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Walk the whole pipeline without calling the knowledge base",
					},
					&cli.BoolFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Usage:   "Print every document as it settles",
					},
					&cli.StringFlag{
						Name:  "summary",
						Usage: "Also write the run summary as JSON to this path",
					},
				},
				Action: r.MigrateRun,
			},
			{
				Name:  "resume",
				Usage: "Resume an interrupted or aborted run",
				Flags: []cli.Flag{
					configFlag(),
					jsonFlag(),
					optionalRunIDFlag(),
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Without --run-id, resume the rehearsal run instead of the real one",
					},
					&cli.BoolFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Usage:   "Print every document as it settles",
					},
					&cli.StringFlag{
						Name:  "summary",
						Usage: "Also write the run summary as JSON to this path",
					},
				},
				Action: r.MigrateResume,
			},
		},
	}
}

// statusCommand shows one run.
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show a run's counters and per-status document counts",
		Flags: []cli.Flag{
			configFlag(),
			jsonFlag(),
			runIDFlag(),
			&cli.BoolFlag{
				Name:    "documents",
				Aliases: []string{"d"},
				Usage:   "Also list every document of the run with its status",
			},
		},
		Action: r.Status,
	}
}

// failedCommand lists a run's failed documents.
func failedCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "failed",
		Usage: "List the documents of a run that failed",
		Flags: []cli.Flag{
			configFlag(),
			jsonFlag(),
			runIDFlag(),
			&cli.StringFlag{
				Name:  "csv",
				Usage: "Write the failed documents to this CSV file",
			},
		},
		Action: r.Failed,
	}
}

// runsCommand lists every run in the state database.
func runsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "runs",
		Usage:  "List migration runs",
		Flags:  []cli.Flag{configFlag(), jsonFlag()},
		Action: r.Runs,
	}
}
