// Package main provides the dino command line tool. It runs single sync
// operations against the local store without the background agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dinovending/dino/backend/internal/app"
	"github.com/dinovending/dino/backend/internal/config"
)

// Version is set at build time
var Version = "0.1.0"

// opener builds the application for one command.
type opener func(ctx context.Context, configFile string) (*app.App, error)

func openApp(ctx context.Context, configFile string) (*app.App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, nil)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(openApp).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by the subcommands.
type cli struct {
	open       opener
	configFile string
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:          "dino",
		Short:        "Offline-first sync for Dino vending operations",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (default: ./dino.yaml when present)")

	root.AddCommand(
		c.syncCmd(),
		c.statusCmd(),
		c.enqueueCmd(),
		c.queueCmd(),
		c.clearCmd(),
		c.migrateCmd(),
	)
	return root
}

// withApp opens the application, runs fn and closes it.
func (c *cli) withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := c.open(cmd.Context(), c.configFile)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
