package main

import (
	"os"

	"github.com/pysugar/login-nexus/internal/version"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "nexus",
		Short: "Multi-login OAuth session broker",
		Long: `nexus keeps several provider logins per user, refreshes their
access tokens on demand and relays authenticated calls to the provider API.`,
		Version:      version.Version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "nexus version %s\n" .Version}}`)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")

	cmd.AddCommand(newServeCmd(opts), newLoginsCmd(opts), newVersionCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
