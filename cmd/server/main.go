package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/atmx/prediction-ledger/internal/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "prediction-ledger"
	app.Usage = "binary prediction market ledger with approved sell settlement"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to a YAML config file",
			EnvVar: config.EnvPrefix + "_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API",
			Action: serveAction,
		},
		{
			Name:   "migrate",
			Usage:  "apply database migrations and exit",
			Action: migrateAction,
		},
	}
	// Running the binary without a command serves, as the container image does.
	app.Action = serveAction

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.GlobalString("config")
	if path == "" {
		path = c.String("config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.Log)
	return cfg, nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
