package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"chatrelay/internal/config"
	"chatrelay/internal/store"
)

const migrateUsage = `Usage:
  chatrelay migrate --config <path>

Flags:
  --config string   Path to YAML configuration file (required)`

func migrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, migrateUsage)
	}

	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse migrate flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("migrate command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	db, err := store.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.MigrateUp(db); err != nil {
		return err
	}

	version, err := store.MigrationVersion(db)
	if err != nil {
		return err
	}
	fmt.Printf("database %s at schema version %d\n", cfg.Database.Path, version)
	return nil
}
