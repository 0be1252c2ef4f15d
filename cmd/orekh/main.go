package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/meszmate/orekh/internal/app"
	"github.com/meszmate/orekh/internal/config"
	"github.com/meszmate/orekh/internal/engine"
	"github.com/meszmate/orekh/internal/ui"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var p app.Params

	root := &cobra.Command{
		Use:           "orekh",
		Short:         "Terminal XMPP client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUI(cmd.Context(), p)
		},
	}
	root.PersistentFlags().StringVarP(&p.ConfigPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/orekh/config.toml)")
	root.PersistentFlags().StringVar(&p.JID, "jid", "", "account address, overrides the config file")

	root.AddCommand(newHeadlessCmd(&p), newConfigCmd(&p))
	return root
}

// newHeadlessCmd runs the session without the terminal interface, logging
// to stderr until interrupted.
func newHeadlessCmd(p *app.Params) *cobra.Command {
	return &cobra.Command{
		Use:   "headless",
		Short: "Stay connected without the interface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := *p
			params.Console = true
			fxApp := fx.New(app.Module(params), app.WithLogger())
			if err := fxApp.Start(cmd.Context()); err != nil {
				return err
			}
			<-cmd.Context().Done()
			return fxApp.Stop(context.Background())
		},
	}
}

func newConfigCmd(p *app.Params) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.GetPaths()
			if err != nil {
				return err
			}
			path := p.ConfigPath
			if path == "" {
				path = paths.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			cfg := config.DefaultConfig()
			cfg.Account.JID = p.JID
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}

func runUI(ctx context.Context, p app.Params) error {
	var (
		eng *engine.Engine
		cfg *config.Config
	)
	fxApp := fx.New(app.Module(p), app.WithLogger(), fx.Populate(&eng, &cfg))
	if err := fxApp.Start(ctx); err != nil {
		return err
	}
	defer fxApp.Stop(context.Background())

	model := ui.NewModel(ctx, eng, ui.Options{TimeFormat: cfg.UI.TimeFormat})
	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	unsubscribe := ui.Bridge(eng, prog.Send)
	defer unsubscribe()

	if _, err := prog.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running interface: %w", err)
	}
	return nil
}
