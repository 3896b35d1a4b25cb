package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wondertwin-ai/kitchensink/internal/ingeststub"
)

// StubOptions holds flags for the stub command.
type StubOptions struct {
	*RootOptions
	Port  int
	Flags []string
}

// NewStubCommand creates the stub command.
func NewStubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StubOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Run the local ingest stub",
		Long: `Run a PostHog-compatible ingest stub that stores events in memory and
answers flag evaluations from a static table.

Example:
  kitchensink stub --flag LOCAL_FX_CONFETTI_FINISH=true
  kitchensink stub --flag LOCAL_START_ALT_PAGE=alt --port 12115`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseFlagTable(opts.Flags)
			if err != nil {
				return usageError{err}
			}
			store := ingeststub.NewMemoryStore()
			store.SetFeatureFlags(table)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			h := ingeststub.NewHandler(store, opts.Logger)
			return serveHandler(ctx, fmt.Sprintf(":%d", opts.Port), h.Router(), opts.Logger)
		},
	}

	cmd.Flags().IntVarP(&opts.Port, "port", "p", ingeststub.DefaultPort, "listen port")
	cmd.Flags().StringArrayVar(&opts.Flags, "flag", nil, "static flag KEY=value (true, false or a variant); repeatable")

	return cmd
}

// parseFlagTable reads KEY=value pairs. Boolean values toggle the flag, any
// other value is an enabled variant.
func parseFlagTable(pairs []string) ([]ingeststub.FeatureFlag, error) {
	out := make([]ingeststub.FeatureFlag, 0, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --flag %q: want KEY=value", p)
		}
		value = strings.TrimSpace(value)
		if b, err := strconv.ParseBool(value); err == nil {
			out = append(out, ingeststub.FeatureFlag{Key: key, Enabled: b})
			continue
		}
		out = append(out, ingeststub.FeatureFlag{Key: key, Enabled: true, Variant: value})
	}
	return out, nil
}
