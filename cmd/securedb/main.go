// Command securedb is a thin CLI front end over internal/secdb: key
// lifecycle (init/rotate/backup/restore) and record operations
// (insert/get/search/update/delete/cleanup). It wraps the engine without
// adding logic of its own.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "securedb",
		Usage: "Encrypted, BFV-searchable record store",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			initKeysCommand(),
			insertCommand(),
			getCommand(),
			searchCommand(),
			updateCommand(),
			deleteCommand(),
			cleanupCommand(),
			rotateCommand(),
			backupCommand(),
			restoreCommand(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "keys-dir",
			Sources: cli.EnvVars("SECUREDB_KEYS_DIR"),
			Usage:   "Directory holding BFV and symmetric key material",
			Value:   "./keys",
		},
		&cli.StringFlag{
			Name:    "db-kind",
			Sources: cli.EnvVars("SECUREDB_DATASTORE_TYPE"),
			Usage:   "Store backend (sqlite|postgres)",
			Value:   "sqlite",
		},
		&cli.StringFlag{
			Name:    "db-url",
			Sources: cli.EnvVars("SECUREDB_DATABASE_URL"),
			Usage:   "Store connection string/path",
			Value:   "file:securedb.sqlite3?_foreign_keys=on",
		},
		&cli.StringFlag{
			Name:     "password",
			Sources:  cli.EnvVars("SECUREDB_PASSWORD"),
			Usage:    "Password protecting the key store",
			Required: true,
		},
	}
}
