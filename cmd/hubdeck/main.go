package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"hubdeck/cli/internal/command"
	"hubdeck/cli/internal/config"
	"hubdeck/cli/internal/convstate"
	"hubdeck/cli/internal/global"
	"hubdeck/cli/internal/hubapi"
	"hubdeck/cli/internal/journal"
	"hubdeck/cli/internal/logging"
	"hubdeck/cli/internal/stream"
	"hubdeck/cli/internal/streamsync"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: config.LoadConfig,
		RunServe: func(ctx context.Context, cfg config.Config) error {
			return runServe(ctx, cfg)
		},
		RunStatus: func(ctx context.Context, cfg config.Config, conversationID string) error {
			return runStatus(ctx, os.Stdout, cfg, conversationID)
		},
		RunJournalTail: func(ctx context.Context, cfg config.Config, args command.JournalTailArgs) error {
			return runJournalTail(os.Stdout, cfg, args)
		},
		RunJournalClear: func(ctx context.Context, cfg config.Config) error {
			return runJournalClear(cfg)
		},
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// hubEnv is the resolved launch environment: config dir, profile and the
// hub base URL after profile and env overrides.
type hubEnv struct {
	configDir string
	profile   global.HubProfile
	baseURL   string
	journalOn bool
}

func resolveHubEnv(cfg config.Config) (hubEnv, error) {
	dir, err := global.DefaultConfigDir()
	if err != nil {
		return hubEnv{}, err
	}
	store := global.NewConfigStore(dir)
	globalCfg, err := store.LoadOrInit()
	if err != nil {
		return hubEnv{}, err
	}
	profile := globalCfg.Profile(cfg.Profile)

	// An explicit HUBDECK_HUB_URL outranks the profile's base URL.
	baseURL := profile.BaseURL
	if os.Getenv("HUBDECK_HUB_URL") != "" {
		baseURL = cfg.HubBaseURL
	}
	return hubEnv{
		configDir: dir,
		profile:   profile,
		baseURL:   baseURL,
		journalOn: cfg.JournalEnabled && globalCfg.Journal.Enabled,
	}, nil
}

func newHubClient(env hubEnv) *hubapi.Client {
	client := hubapi.NewClient(env.baseURL)
	client.SetAPIToken(env.profile.APIToken)
	return client
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Component: "hubdeck"})
	env, err := resolveHubEnv(cfg)
	if err != nil {
		return err
	}

	registry := convstate.NewRegistry(logger.With("module", "convstate"))
	registry.SetComposerDefaults(cfg.DefaultMode, cfg.DefaultModelID)
	api := newHubClient(env)

	var sink streamsync.Journal
	if env.journalOn {
		store, err := journal.Open(global.JournalPath(env.configDir, env.profile.Name))
		if err != nil {
			logger.Warn("journal unavailable, continuing without it", "err", err)
		} else {
			defer func() {
				_ = store.Close()
			}()
			sink = journal.NewRecorder(store, logger.With("module", "journal"))
		}
	}

	coordinator := streamsync.NewCoordinator(registry, api, stream.RealDialer{}, sink, logger.With("module", "streamsync"))
	defer coordinator.Close()

	logger.Info("serve started",
		"hub", env.baseURL, "profile", env.profile.Name, "sync_interval", cfg.SyncInterval.String(), "journal", sink != nil)

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		syncOnce(ctx, api, coordinator, logger)
		select {
		case <-ctx.Done():
			logger.Info("serve stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func syncOnce(ctx context.Context, api *hubapi.Client, coordinator *streamsync.Coordinator, logger *slog.Logger) {
	listCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conversations, err := api.ListConversations(listCtx)
	if err != nil {
		logger.Warn("conversation list failed", "err", err)
		return
	}
	coordinator.Sync(ctx, conversations, "")
}

func runStatus(ctx context.Context, out io.Writer, cfg config.Config, conversationID string) error {
	env, err := resolveHubEnv(cfg)
	if err != nil {
		return err
	}
	api := newHubClient(env)
	conversations, err := api.ListConversations(ctx)
	if err != nil {
		return err
	}

	// Journal counts are best effort: status still works without a journal.
	var journalStore *journal.Store
	if env.journalOn {
		if store, err := journal.Open(global.JournalPath(env.configDir, env.profile.Name)); err == nil {
			journalStore = store
			defer func() {
				_ = journalStore.Close()
			}()
		}
	}

	printed := 0
	for _, conversation := range conversations {
		if conversationID != "" && conversation.ID != conversationID {
			continue
		}
		detail, err := api.GetConversationDetail(ctx, conversation.ID)
		if err != nil {
			return err
		}
		title := conversation.Title
		if title == "" {
			title = "(untitled)"
		}
		line := fmt.Sprintf("%s  %-8s  %-32s  %s",
			conversation.ID, conversation.QueueState, title, summarizeExecutions(detail.Executions))
		if journalStore != nil {
			if counts, err := journalStore.TransitionCounts(conversation.ID); err == nil && len(counts) > 0 {
				line += "  [journal " + summarizeTransitionCounts(counts) + "]"
			}
		}
		fmt.Fprintln(out, line)
		printed++
	}
	if printed == 0 {
		if conversationID != "" {
			return fmt.Errorf("conversation %s not found", conversationID)
		}
		fmt.Fprintln(out, "no conversations")
	}
	return nil
}

func summarizeExecutions(executions []convstate.Execution) string {
	if len(executions) == 0 {
		return "no executions"
	}
	counts := map[string]int{}
	for _, execution := range executions {
		counts[execution.State]++
	}
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)
	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, fmt.Sprintf("%s=%d", state, counts[state]))
	}
	return strings.Join(parts, " ")
}

func summarizeTransitionCounts(counts map[string]int64) string {
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)
	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, fmt.Sprintf("%s=%d", state, counts[state]))
	}
	return strings.Join(parts, " ")
}

func runJournalTail(out io.Writer, cfg config.Config, args command.JournalTailArgs) error {
	env, err := resolveHubEnv(cfg)
	if err != nil {
		return err
	}
	store, err := journal.Open(global.JournalPath(env.configDir, env.profile.Name))
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	rows, err := store.RecentEvents(args.ConversationID, args.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "journal is empty")
		return nil
	}
	for _, row := range rows {
		fmt.Fprintf(out, "%s  %-22s  conv=%s exec=%s seq=%d\n",
			row.Timestamp, row.EventType, row.ConversationID, row.ExecutionID, row.Sequence)
	}
	return nil
}

func runJournalClear(cfg config.Config) error {
	env, err := resolveHubEnv(cfg)
	if err != nil {
		return err
	}
	store, err := journal.Open(global.JournalPath(env.configDir, env.profile.Name))
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()
	return store.Clear()
}
