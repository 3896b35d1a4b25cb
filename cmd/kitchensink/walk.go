package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wondertwin-ai/kitchensink/internal/browser"
	"github.com/wondertwin-ai/kitchensink/internal/config"
	"github.com/wondertwin-ai/kitchensink/internal/funnel"
	"github.com/wondertwin-ai/kitchensink/internal/storage"
)

// WalkOptions holds flags for the walk command.
type WalkOptions struct {
	*RootOptions
	BaseURL   string
	Profile   string
	AbandonAt int
	Reason    string
}

// NewWalkCommand creates the walk command.
func NewWalkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WalkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "walk",
		Short: "Drive a browser tab through the funnel",
		Long: `Open the start page in a simulated tab and click through every step.
The tab keeps its identity in a per-profile storage file, so repeated walks
with the same --profile report as the same user.

Example:
  kitchensink walk
  kitchensink walk --profile alice --abandon-at 3 --reason tab_switch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.AbandonAt != 0 && !funnel.Step(opts.AbandonAt).Valid() {
				return usageError{fmt.Errorf("--abandon-at must be in 1..%d", funnel.TotalSteps)}
			}
			switch opts.Reason {
			case "tab_switch", "page_leave", "both":
			default:
				return usageError{fmt.Errorf("--reason must be tab_switch, page_leave or both, got %q", opts.Reason)}
			}
			return runWalk(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "app origin (default: derived from the listen address)")
	cmd.Flags().StringVar(&opts.Profile, "profile", "default", "storage profile name")
	cmd.Flags().IntVar(&opts.AbandonAt, "abandon-at", 0, "abandon at this step instead of finishing")
	cmd.Flags().StringVar(&opts.Reason, "reason", "tab_switch", "abandon signal: tab_switch, page_leave or both")

	return cmd
}

func runWalk(ctx context.Context, opts *WalkOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return usageError{fmt.Errorf("invalid config: %w", err)}
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = originFor(cfg.Listen)
	}

	store, err := storage.OpenSQLite(filepath.Join(cfg.StorageDir, opts.Profile))
	if err != nil {
		return err
	}
	defer store.Close()

	tab := browser.NewTab(browser.Options{
		BaseURL:     baseURL,
		IngestPath:  cfg.Public.IngestPath,
		APIKey:      cfg.Public.Key,
		Environment: cfg.FlagEnvironment(),
		Metadata:    cfg.Metadata(),
		Storage:     store,
		BatchSize:   cfg.Client.BatchSize,
		FlushEvery:  cfg.Client.FlushInterval,
		Logger:      opts.Logger,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := tab.Close(closeCtx); err != nil {
			opts.Logger.Warn("closing tab failed", "err", err)
		}
	}()

	flagCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := tab.WaitForFlags(flagCtx); err != nil {
		opts.Logger.Warn("flags not ready, using defaults", "err", err)
	}
	cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "walking %s as %s\n", baseURL, tab.DistinctID())

	if _, err := tab.Open(ctx, "/"); err != nil {
		return err
	}
	page, err := tab.Open(ctx, funnel.Step(1).Path())
	if err != nil {
		return err
	}
	for {
		fmt.Fprintf(out, "  %s (%d)\n", page.Path, page.StatusCode)
		step, onStep := funnel.StepFromPath(page.Path)
		if !onStep {
			break
		}
		if int(step) == opts.AbandonAt {
			if err := abandon(ctx, tab, opts.Reason); err != nil {
				return err
			}
			fmt.Fprintf(out, "abandoned at step %d (%s)\n", step, opts.Reason)
			return nil
		}
		if page, err = tab.ClickNext(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "completed")
	return nil
}

func abandon(ctx context.Context, tab *browser.Tab, reason string) error {
	switch reason {
	case "page_leave":
		return tab.Unload(ctx)
	case "both":
		if err := tab.Hide(ctx); err != nil {
			return err
		}
		return tab.Unload(ctx)
	default:
		return tab.Hide(ctx)
	}
}

// originFor turns a listen address such as ":3000" into a local origin.
func originFor(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}
