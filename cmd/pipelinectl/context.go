package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandantas/reelforge/internal/app"
	"github.com/dandantas/reelforge/internal/config"
)

type commandContext struct {
	environment string
	jsonOutput  bool
	verbose     bool

	once   sync.Once
	app    *app.App
	appErr error
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

// pipeline opens the store and wires the pipeline on first use
func (c *commandContext) pipeline(ctx context.Context) (*app.App, error) {
	c.once.Do(func() {
		if c.app != nil {
			return
		}
		cfg := config.Load()
		if c.environment != "" {
			cfg.Environment = c.environment
		}

		level := slog.LevelWarn
		if c.verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		stores, err := app.OpenStores(ctx, cfg)
		if err != nil {
			c.appErr = err
			return
		}
		c.app, c.appErr = app.Build(ctx, cfg, stores)
		if c.appErr != nil {
			stores.Close(context.Background())
		}
	})
	return c.app, c.appErr
}

func (c *commandContext) close() {
	if c.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.app.Stores.Close(ctx)
}

// writeJSON encodes v as indented JSON to the command's stdout
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
