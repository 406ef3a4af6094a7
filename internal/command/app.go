package command

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"

	"hubdeck/cli/internal/config"
)

// JournalTailArgs narrows the journal tail flags.
type JournalTailArgs struct {
	ConversationID string
	Limit          int
}

type Deps struct {
	LoadConfig      func() config.Config
	RunServe        func(context.Context, config.Config) error
	RunStatus       func(context.Context, config.Config, string) error
	RunJournalTail  func(context.Context, config.Config, JournalTailArgs) error
	RunJournalClear func(context.Context, config.Config) error
}

func BuildApp(deps Deps) *cli.App {
	conversationFlag := &cli.StringFlag{
		Name:    "conversation",
		Aliases: []string{"c"},
		Usage:   "conversation id to scope the command to",
	}
	return &cli.App{
		Name:  "hubdeck",
		Usage: "conversation runtime client for the hub",
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps, loadConfig(deps))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "track conversations and reconcile their event streams",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx.Context, deps, loadConfig(deps))
				},
			},
			{
				Name:  "status",
				Usage: "print conversations and their execution states",
				Flags: []cli.Flag{conversationFlag},
				Action: func(ctx *cli.Context) error {
					if deps.RunStatus == nil {
						return errors.New("status runner is not configured")
					}
					return deps.RunStatus(ctx.Context, loadConfig(deps), ctx.String("conversation"))
				},
			},
			{
				Name:  "journal",
				Usage: "inspect the local event journal",
				Subcommands: []*cli.Command{
					{
						Name:  "tail",
						Usage: "print recently journaled events",
						Flags: []cli.Flag{
							conversationFlag,
							&cli.IntFlag{
								Name:  "limit",
								Usage: "maximum number of events",
								Value: 50,
							},
						},
						Action: func(ctx *cli.Context) error {
							if deps.RunJournalTail == nil {
								return errors.New("journal tail runner is not configured")
							}
							return deps.RunJournalTail(ctx.Context, loadConfig(deps), JournalTailArgs{
								ConversationID: ctx.String("conversation"),
								Limit:          ctx.Int("limit"),
							})
						},
					},
					{
						Name:  "clear",
						Usage: "delete all journaled events and transitions",
						Action: func(ctx *cli.Context) error {
							if deps.RunJournalClear == nil {
								return errors.New("journal clear runner is not configured")
							}
							return deps.RunJournalClear(ctx.Context, loadConfig(deps))
						},
					},
				},
			},
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}
