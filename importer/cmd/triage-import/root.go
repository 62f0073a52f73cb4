package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/importer"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:   "triage-import",
	Short: "Import vulnerability feeds into the threat triage database",
}

var _app app

type app struct {
	DB       *gorm.DB
	Config   triage.Config
	Engine   *triage.Engine
	Importer *importer.Importer
}

func App() app {
	return _app
}

func main() {
	err := run()
	if err != nil {
		fmt.Printf("FATAL: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	config, err := triage.ParseConfigFromFile("config/application.toml")
	if err != nil {
		return fmt.Errorf("error reading 'application.toml': %w", err)
	}
	_app.Config = config
	db, err := triage.OpenDB(config.DBPath)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", config.DBPath, err)
	}
	_app.DB = db
	_app.Engine = triage.NewEngineFromConfig(db, config, triage.LogAlerter{})
	defer func() {
		_app.Engine.Close()
		_ = triage.CloseDB(db)
	}()

	_app.Importer, err = importer.New(_app.Engine, config)
	if err != nil {
		return err
	}

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	return rootCmd.Execute()
}
