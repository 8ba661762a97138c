package main

import (
	"context"
	"fmt"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/config"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/keystore"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/secdb"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
)

func cfgFromCmd(cmd *cli.Command) config.Config {
	cfg := config.DefaultConfig()
	cfg.ApplyEnv()
	cfg.KeysDir = cmd.String("keys-dir")
	cfg.DatastoreType = cmd.String("db-kind")
	cfg.DatabaseURL = cmd.String("db-url")
	return cfg
}

func openEngine(ctx context.Context, cmd *cli.Command) (*secdb.Engine, error) {
	return secdb.Open(ctx, cfgFromCmd(cmd), cmd.String("password"))
}

func initKeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-keys",
		Usage: "Create the key store if it does not already exist",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			log.Info("key store ready", "dir", cmd.String("keys-dir"))
			return nil
		},
	}
}

func insertCommand() *cli.Command {
	return &cli.Command{
		Name:  "insert",
		Usage: "Insert a record",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "index", Required: true, Usage: "Plaintext index value"},
			&cli.StringFlag{Name: "payload", Required: true, Usage: "Plaintext payload"},
			&cli.BoolFlag{Name: "range", Usage: "Also build the per-bit range index for this record"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.InsertRecord(ctx, cmd.Int64("index"), []byte(cmd.String("payload")), cmd.Bool("range"))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Fetch and decrypt a record by id",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "id", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			index, payload, err := e.GetRecord(ctx, cmd.Uint64("id"))
			if err != nil {
				return err
			}
			fmt.Printf("index=%d payload=%q\n", index, payload)
			return nil
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Search by equality or by range",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "eq", Usage: "Equality search value"},
			&cli.Int64Flag{Name: "min", Usage: "Range search lower bound"},
			&cli.Int64Flag{Name: "max", Usage: "Range search upper bound"},
			&cli.BoolFlag{Name: "has-min"},
			&cli.BoolFlag{Name: "has-max"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if cmd.IsSet("eq") {
				ids, err := e.SearchEqual(ctx, cmd.Int64("eq"))
				if err != nil {
					return err
				}
				fmt.Println(ids)
				return nil
			}

			var min, max *int64
			if cmd.Bool("has-min") {
				v := cmd.Int64("min")
				min = &v
			}
			if cmd.Bool("has-max") {
				v := cmd.Int64("max")
				max = &v
			}
			ids, err := e.SearchRange(ctx, min, max)
			if err != nil {
				return err
			}
			fmt.Println(ids)
			return nil
		},
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Overwrite a record's payload",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "id", Required: true},
			&cli.StringFlag{Name: "payload", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.UpdatePayload(ctx, cmd.Uint64("id"), []byte(cmd.String("payload")))
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete a record by id",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "id", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.DeleteRecord(ctx, cmd.Uint64("id"))
		},
	}
}

func rotateCommand() *cli.Command {
	return &cli.Command{
		Name:  "rotate",
		Usage: "Generate a fresh BFV key bundle, backing up the current one",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.RotateFHE(cmd.String("password"))
		},
	}
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Archive the key directory as a gzipped tar",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Destination directory (defaults to <keys-dir>/backups)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			archive, err := e.BackupKeys(cmd.String("dir"))
			if err != nil {
				return err
			}
			fmt.Println(archive)
			return nil
		},
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Restore the key directory from a backup archive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "archive", Required: true, Usage: "Path to a keys_backup archive"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ks, err := keystore.Open(cmd.String("keys-dir"), log.Default())
			if err != nil {
				return err
			}
			return ks.Restore(cmd.String("archive"), cmd.String("password"))
		},
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Delete orphaned reference rows",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}
