package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:   "triage-cli",
	Short: "Manage the threat triage database",
}

var _app app

type app struct {
	DB     *gorm.DB
	Config triage.Config
	Engine *triage.Engine
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
	var err error
	_app, err = initApp()
	if err != nil {
		return err
	}
	defer func() {
		_app.Engine.Close()
		_ = triage.CloseDB(_app.DB)
	}()

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	return rootCmd.Execute()
}

func initApp() (app, error) {
	var app app
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	config, err := triage.ParseConfigFromFile("config/application.toml")
	if err != nil {
		return app, fmt.Errorf("error reading 'application.toml': %w", err)
	}
	app.Config = config
	db, err := triage.OpenDB(config.DBPath)
	if err != nil {
		return app, fmt.Errorf("could not open %s: %w", config.DBPath, err)
	}
	app.DB = db
	app.Engine = triage.NewEngineFromConfig(db, config, triage.LogAlerter{})

	return app, nil
}
