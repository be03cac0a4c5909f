package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
)

var requestsCommand = &cli.Command{
	Name:  "requests",
	Usage: "Inspect and cancel deletion and disclosure requests",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List requests of the configured session",
			Before: requiresStore,
			After:  closeStore,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "all",
					Usage: "Include closed deletion requests and accepted disclosure requests",
				},
			},
			Action: cmdListRequests,
		},
		{
			Name:      "cancel",
			Usage:     "Cancel a request by ID",
			ArgsUsage: "deletion|disclosure ID",
			Before:    requiresStore,
			After:     closeStore,
			Action:    cmdCancelRequest,
		},
		{
			Name:      "failures",
			Usage:     "Show failed disclosure downloads of a chat",
			ArgsUsage: "CHAT",
			Before:    requiresStore,
			After:     closeStore,
			Action:    cmdListFailures,
		},
	},
}

func cmdListRequests(ctx *cli.Context) error {
	session := getConfig(ctx).Session
	st := getStore(ctx)
	pending := !ctx.Bool("all")

	deletions, err := st.ListDeletionRequests(ctx.Context, session, pending)
	if err != nil {
		return fmt.Errorf("failed to list deletion requests: %w", err)
	}
	disclosures, err := st.ListDisclosureRequests(ctx.Context, session, pending)
	if err != nil {
		return fmt.Errorf("failed to list disclosure requests: %w", err)
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tCHAT\tMESSAGE\tREQUESTED BY\tSTATE\tCREATED")
	for _, req := range deletions {
		state := fmt.Sprintf("+%d/-%d", len(req.Agrees), len(req.Disagrees))
		if req.Done {
			state += " " + string(req.Outcome)
			if !req.Executed {
				state += " (unfinished)"
			}
		}
		fmt.Fprintf(w, "deletion\t%d\t%s\t%s\t%s\t%s\t%s\n",
			req.ID, req.Chat, req.MessageID, req.RequestedBy, state, req.Created.Format(time.DateTime))
	}
	for _, req := range disclosures {
		state := "waiting"
		if req.Accepted {
			state = "accepted"
		} else if !req.ClaimedAt.IsZero() {
			state = "processing"
		}
		fmt.Fprintf(w, "disclosure\t%d\t%s\t%s\t%s\t%s\t%s\n",
			req.ID, req.Chat, req.MessageID, req.RequestedBy, state, req.Created.Format(time.DateTime))
	}
	return w.Flush()
}

func cmdCancelRequest(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: wabot requests cancel deletion|disclosure ID")
	}
	id, err := strconv.ParseInt(ctx.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request ID: %w", err)
	}
	st := getStore(ctx)
	switch kind := ctx.Args().Get(0); kind {
	case "deletion":
		err = st.ReleaseDeletionRequest(ctx.Context, id)
	case "disclosure":
		err = st.ReleaseDisclosureRequest(ctx.Context, id)
	default:
		return fmt.Errorf("unknown request kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}
	fmt.Fprintf(ctx.App.Writer, "Request %d cancelled\n", id)
	return nil
}

func cmdListFailures(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a chat")
	}
	failures, err := getStore(ctx).ListDisclosureFailures(ctx.Context, getConfig(ctx).Session, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE\tREQUESTED BY\tATTEMPTS\tFAILED\tERROR")
	for _, f := range failures {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", f.MessageID, f.RequestedBy, f.Attempts, f.Failed.Format(time.DateTime), f.LastError)
	}
	return w.Flush()
}
