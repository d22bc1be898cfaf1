package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"aha-chat/internal/config"
	"aha-chat/internal/integrations/groq"
	"aha-chat/internal/integrations/paramstore"
	"aha-chat/internal/repository"
	"aha-chat/internal/usecase"
)

// App holds the wired dependencies shared by the Lambda and terminal entrypoints.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Provider *groq.Client
	Registry *usecase.Registry
	// State is nil when no state table is configured. It stores sessions and
	// their activity rows.
	State *repository.Client
}

// awsDeps builds the AWS-backed collaborators. Tests swap it out.
type awsDeps struct {
	load   func(ctx context.Context) (aws.Config, error)
	params func(cfg aws.Config) (paramstore.Getter, error)
	state  func(cfg aws.Config, table string) (*repository.Client, error)
}

var defaultAWSDeps = awsDeps{
	load: func(ctx context.Context) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	},
	params: func(cfg aws.Config) (paramstore.Getter, error) {
		c, err := paramstore.New(awsssm.NewFromConfig(cfg))
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	state: func(cfg aws.Config, table string) (*repository.Client, error) {
		return repository.New(awsdynamodb.NewFromConfig(cfg), table)
	},
}

// New resolves the API key, builds the Groq client, the optional state table
// client and the session registry.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	return build(ctx, cfg, logger, defaultAWSDeps)
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, deps awsDeps) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		awsCfg    aws.Config
		awsLoaded bool
	)
	loadAWS := func() (aws.Config, error) {
		if awsLoaded {
			return awsCfg, nil
		}
		c, err := deps.load(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg, awsLoaded = c, true
		return awsCfg, nil
	}

	apiKey := cfg.GroqAPIKey
	if apiKey == "" {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		getter, err := deps.params(c)
		if err != nil {
			return nil, fmt.Errorf("app: create SSM client: %w", err)
		}
		apiKey, err = paramstore.ResolveAPIKey(ctx, getter, cfg.GroqAPIKeyParam)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		logger.Info("groq api key loaded from parameter store", "param", cfg.GroqAPIKeyParam)
	}

	provider, err := groq.NewClient(apiKey, cfg.ResponseHeaderTimeout, groq.WithBaseURL(cfg.GroqBaseURL))
	if err != nil {
		if errors.Is(err, groq.ErrMissingAPIKey) {
			return nil, config.ErrMissingAPIKey
		}
		return nil, fmt.Errorf("app: create groq client: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Provider: provider}

	var store usecase.SessionStore
	opts := []usecase.Option{usecase.WithDefaultModel(cfg.DefaultModel)}
	if cfg.StateTable != "" {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		state, err := deps.state(c, cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: create state table client: %w", err)
		}
		a.State = state
		store = state
		opts = append(opts, usecase.WithRecorder(state))
		logger.Info("session state table enabled", "table", cfg.StateTable)
	}

	registry, err := usecase.NewRegistry(provider, store, cfg.SessionIdleTimeout, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: create session registry: %w", err)
	}
	a.Registry = registry
	return a, nil
}
