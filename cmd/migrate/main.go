package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/logger"
)

func main() {
	var migrationDir string
	flag.StringVar(&migrationDir, "path", "migrations", "Path to migration files")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	m, err := migrate.New("file://"+migrationDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", migrationDir).Msg("Migration failed to initialize")
	}
	defer m.Close()

	switch args[0] {
	case "up":
		err = ignoreNoChange(m.Up())
	case "down":
		err = ignoreNoChange(m.Down())
	case "steps":
		n, convErr := intArg(args)
		if convErr != nil {
			log.Fatal().Err(convErr).Msg("steps requires a signed step count")
		}
		err = ignoreNoChange(m.Steps(n))
	case "force":
		v, convErr := intArg(args)
		if convErr != nil {
			log.Fatal().Err(convErr).Msg("force requires a version")
		}
		err = m.Force(v)
	case "version":
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", args[0]).Msg("Migration failed")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Fatal().Err(err).Msg("Version lookup failed")
	}
	log.Info().Str("command", args[0]).Uint("version", version).Bool("dirty", dirty).Msg("Migration complete")
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func intArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, errors.New("missing argument")
	}
	return strconv.Atoi(args[1])
}

func printUsage() {
	fmt.Println("Usage: migrate [flags] <command>")
	fmt.Println("Commands: up, down, steps <n>, force <version>, version")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
