package main

import (
	"github.com/spf13/cobra"
)

// newRootCommand returns the CLI and a function that releases the session
// store once the command has finished.
func newRootCommand() (*cobra.Command, func() error) {
	flags := &globalFlags{}
	ctx := newCommandContext(flags)

	rootCmd := &cobra.Command{
		Use:           "authkit",
		Short:         "Dashboard session client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	pf.StringVar(&flags.baseURL, "base-url", "", "Backend base URL (overrides config and AUTHKIT_BASE_URL)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: auto, text, json")
	pf.BoolVar(&flags.json, "json", false, "Print machine-readable JSON")

	rootCmd.AddCommand(newLoginCommand(ctx))
	rootCmd.AddCommand(newRegisterCommand(ctx))
	rootCmd.AddCommand(newLogoutCommand(ctx))
	rootCmd.AddCommand(newSocialCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newCSRFCommand(ctx))
	rootCmd.AddCommand(newRequestCommand(ctx))

	return rootCmd, ctx.close
}
