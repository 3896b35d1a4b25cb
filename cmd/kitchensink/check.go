package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wondertwin-ai/kitchensink/internal/config"
	"github.com/wondertwin-ai/kitchensink/internal/scenario"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	BaseURL string
	StubURL string
	Settle  time.Duration
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check <file-or-dir>",
		Short: "Run YAML funnel scenarios against a running app and stub",
		Long: `Run funnel scenarios. Each scenario resets the ingest stub, seeds its
flags, drives a fresh tab through the listed actions, and then checks the
events the stub received for that tab's identity.

Example:
  kitchensink serve --with-stub &
  kitchensink check scenarios/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "app origin (default: derived from the listen address)")
	cmd.Flags().StringVar(&opts.StubURL, "stub-url", "", "ingest stub origin (default: public.host from config)")
	cmd.Flags().DurationVar(&opts.Settle, "settle", scenario.DefaultSettle, "how long to wait for deferred server events")

	return cmd
}

func runCheck(ctx context.Context, opts *CheckOptions, path string, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return usageError{err}
	}
	var scenarios []*scenario.Scenario
	if info.IsDir() {
		scenarios, err = scenario.LoadDir(path)
	} else {
		var s *scenario.Scenario
		s, err = scenario.LoadScenario(path)
		scenarios = []*scenario.Scenario{s}
	}
	if err != nil {
		return usageError{err}
	}
	if len(scenarios) == 0 {
		return usageError{fmt.Errorf("no scenario files found in %s", path)}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = originFor(cfg.Listen)
	}
	stubURL := opts.StubURL
	if stubURL == "" {
		stubURL = cfg.Public.Host
	}

	runner := scenario.NewRunner(scenario.Config{
		BaseURL:     baseURL,
		StubURL:     stubURL,
		IngestPath:  cfg.Public.IngestPath,
		APIKey:      cfg.Public.Key,
		Environment: cfg.FlagEnvironment(),
		Settle:      opts.Settle,
		Logger:      opts.Logger,
	})

	out := cmd.OutOrStdout()
	failed := 0
	for _, s := range scenarios {
		result, err := runner.Run(ctx, s)
		if err != nil {
			return fmt.Errorf("scenario %q: %w", s.Name, err)
		}
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "%s %s (%s)\n", status, result.ScenarioName, result.Duration.Round(time.Millisecond))
		for _, sr := range result.Steps {
			if sr.Passed {
				fmt.Fprintf(out, "  ok   %s\n", sr.Name)
			} else {
				fmt.Fprintf(out, "  fail %s: %s\n", sr.Name, sr.Error)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
	}
	return nil
}
