package main

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pysugar/login-nexus/internal/auth/login"
	"github.com/pysugar/login-nexus/internal/config"
	"github.com/pysugar/login-nexus/internal/logging"
	"github.com/pysugar/login-nexus/internal/store"
	"github.com/spf13/cobra"
)

func newLoginsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logins",
		Short: "Inspect a user's provider logins",
	}

	var userID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the logins of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			be, err := openBackend(cfg.Store, logger)
			if err != nil {
				return err
			}
			defer be.close()

			registry := login.NewRegistry(store.NewTokenStore(be.kv, cfg.Provider.Name, nil),
				login.WithExpirySkew(cfg.Provider.ExpirySkew),
				login.WithLogger(logger),
			)
			return printLogins(cmd.Context(), cmd.OutOrStdout(), registry, userID)
		},
	}
	list.Flags().StringVarP(&userID, "user", "u", "", "user id")

	cmd.AddCommand(list)
	return cmd
}

type loginLister interface {
	List(ctx context.Context, userID string) ([]login.Summary, error)
}

func printLogins(ctx context.Context, w io.Writer, logins loginLister, userID string) error {
	list, err := logins.List(ctx, userID)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Name", "Created", "Connected", "Selected"})
	for _, l := range list {
		connected := text.FgRed.Sprint("no")
		if l.Connected {
			connected = text.FgGreen.Sprint("yes")
		}
		selected := ""
		if l.Selected {
			selected = "*"
		}
		t.AppendRow(table.Row{l.ID, l.DisplayName, l.CreatedAt.Local().Format("2006-01-02 15:04"), connected, selected})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(list)})
	t.Render()
	return nil
}
