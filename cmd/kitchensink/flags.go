package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wondertwin-ai/kitchensink/internal/config"
	"github.com/wondertwin-ai/kitchensink/internal/flags"
)

// NewFlagsCommand creates the flags command.
func NewFlagsCommand(rootOpts *RootOptions) *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Print the flag keys resolved for an environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := flags.Environment(env)
			if env == "" {
				cfg, err := config.Load(rootOpts.ConfigPath)
				if err != nil {
					return err
				}
				target = cfg.FlagEnvironment()
			}
			if !target.Valid() {
				return usageError{fmt.Errorf("unknown environment %q, want one of %v", env, flags.Environments())}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "environment: %s\n", target)
			for _, line := range flags.Describe(target) {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&env, "env", "", "environment (default: from config and APP_ENV)")
	return cmd
}
