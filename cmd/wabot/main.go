package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/wabot/pkg/connector"
	"github.com/lrhodin/wabot/pkg/store"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
	contextKeyStore
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getStore(ctx *cli.Context) *store.Store {
	val := ctx.Context.Value(contextKeyStore)
	if val == nil {
		return nil
	}
	return val.(*store.Store)
}

func newLogger(cfg connector.LoggingConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
		}
	}
	var log zerolog.Logger
	if cfg.JSON {
		log = zerolog.New(os.Stdout)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"})
	}
	return log.Level(level).With().Timestamp().Logger(), nil
}

// getConfigPath returns the config file to load. A missing default file means
// running on built-in defaults and environment only.
func getConfigPath(ctx *cli.Context) string {
	path := ctx.String("config")
	if !ctx.IsSet("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return ""
		}
	}
	return path
}

func prepareApp(ctx *cli.Context) error {
	if env := ctx.String("env-file"); env != "" {
		if err := godotenv.Load(env); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}
	cfg, err := connector.LoadConfig(getConfigPath(ctx))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

func requiresStore(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	st, err := store.Open(ctx.Context, getConfig(ctx).Database.Path, getLogger(ctx))
	if err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyStore, st)
	return nil
}

func closeStore(ctx *cli.Context) error {
	if st := getStore(ctx); st != nil {
		return st.Close()
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "wabot",
		Usage:   "WhatsApp group moderation bot",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
				EnvVars: []string{"WABOT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Dotenv file to load before reading the config",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			migrateCommand,
			exampleConfigCommand,
			requestsCommand,
			purgeSessionCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
