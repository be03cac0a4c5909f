package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/wabot/pkg/connector"
)

var migrateCommand = &cli.Command{
	Name:   "migrate",
	Usage:  "Create or upgrade the database schema and exit",
	Before: requiresStore,
	After:  closeStore,
	Action: func(ctx *cli.Context) error {
		// Opening the store already brought the schema up to date.
		log := getLogger(ctx)
		log.Info().Str("path", getConfig(ctx).Database.Path).Msg("Database schema is up to date")
		return nil
	},
}

var exampleConfigCommand = &cli.Command{
	Name:  "example-config",
	Usage: "Print the default config file",
	Action: func(ctx *cli.Context) error {
		fmt.Fprint(ctx.App.Writer, connector.ExampleConfig)
		return nil
	},
}

var purgeSessionCommand = &cli.Command{
	Name:      "purge-session",
	Usage:     "Delete every stored chat, message and request of a session",
	ArgsUsage: "[SESSION]",
	Before:    requiresStore,
	After:     closeStore,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "yes",
			Usage: "Don't ask for confirmation",
		},
	},
	Action: cmdPurgeSession,
}

func cmdPurgeSession(ctx *cli.Context) error {
	session := getConfig(ctx).Session
	if ctx.NArg() > 0 {
		session = ctx.Args().Get(0)
	}
	if !ctx.Bool("yes") {
		fmt.Fprintf(ctx.App.Writer, "Delete all data of session %q? [y/N] ", session)
		var answer string
		_, _ = fmt.Fscanln(ctx.App.Reader, &answer)
		if answer != "y" && answer != "Y" {
			return fmt.Errorf("aborted")
		}
	}
	n, err := getStore(ctx).DeleteSession(ctx.Context, session)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "Deleted %d chats of session %q\n", n, session)
	return nil
}
