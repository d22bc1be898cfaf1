package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"aha-chat/internal/app"
	"aha-chat/internal/config"
	"aha-chat/internal/domain"
	"aha-chat/internal/tui"
	"aha-chat/internal/usecase"
)

type options struct {
	configFile string
	model      string
	maxTokens  int
	style      string
	logFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "chat-tui",
		Short:         "Chat with Groq-hosted LLaMA3 models in the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "optional config file (yaml, json or toml)")
	flags.StringVar(&opts.model, "model", "", "model id to start with (default from config)")
	flags.IntVar(&opts.maxTokens, "max-tokens", 0, "reply budget, rounded to a multiple of 512")
	flags.StringVar(&opts.style, "style", "dark", "glamour style for replies")
	flags.StringVar(&opts.logFile, "log-file", filepath.Join(os.TempDir(), "chat-tui.log"), "where to write logs")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()
	logger := cfg.NewTextLogger(logFile)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	session, err := a.Registry.Create(ctx)
	if err != nil {
		return err
	}

	if opts.model != "" || opts.maxTokens != 0 {
		current := session.Config()
		modelID, maxTokens := current.ModelID, current.MaxTokens
		if opts.model != "" {
			modelID = opts.model
		}
		if opts.maxTokens != 0 {
			maxTokens = opts.maxTokens
		}
		if _, err := session.SelectModel(ctx, modelID, maxTokens); err != nil {
			var uerr *usecase.Error
			if errors.As(err, &uerr) && uerr.Code == usecase.ErrorInvalidInput {
				return fmt.Errorf("unknown model %q, choose one of %v", modelID, modelIDs())
			}
			return err
		}
	}

	m := tui.New(ctx, session, tui.WithGlamourStyle(opts.style), tui.WithLogger(logger))
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("run terminal ui: %w", err)
	}
	return nil
}

func modelIDs() []string {
	var ids []string
	for _, m := range domain.Catalog() {
		ids = append(ids, m.ID)
	}
	return ids
}
