// Package bootstrap builds the runtime components described by a Config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"dungeon-agent/handler"
	"dungeon-agent/internal/agent"
	"dungeon-agent/internal/config"
	"dungeon-agent/internal/dice"
	"dungeon-agent/internal/integrations/gemini"
	"dungeon-agent/internal/integrations/openai"
	"dungeon-agent/internal/integrations/paramstore"
	"dungeon-agent/internal/repository"
	"dungeon-agent/internal/usecase"
)

const verifyTimeout = 15 * time.Second

// AWS loads the default AWS configuration once, on first use.
type AWS struct {
	once sync.Once
	cfg  aws.Config
	err  error
	load func(ctx context.Context) (aws.Config, error)
}

func NewAWS() *AWS {
	return &AWS{load: func(ctx context.Context) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	}}
}

func (a *AWS) Config(ctx context.Context) (aws.Config, error) {
	a.once.Do(func() {
		a.cfg, a.err = a.load(ctx)
		if a.err != nil {
			a.err = fmt.Errorf("bootstrap: load AWS config: %w", a.err)
		}
	})
	return a.cfg, a.err
}

// Logger builds a production zap logger at the configured level.
func Logger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := cfg.ZapLevel()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Store opens the configured persistence backend.
func Store(ctx context.Context, cfg config.StoreConfig, awsCfg *AWS) (repository.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return repository.NewMemoryStore(), nil
	case config.BackendSQLite:
		return repository.OpenSQLite(cfg.SQLitePath)
	case config.BackendDynamoDB:
		ac, err := awsCfg.Config(ctx)
		if err != nil {
			return nil, err
		}
		return repository.New(awsdynamodb.NewFromConfig(ac), cfg.Table)
	default:
		return nil, fmt.Errorf("bootstrap: unknown store backend %q", cfg.Backend)
	}
}

// Provider is a verified completion backend.
type Provider struct {
	Completer agent.Completer
	Moderator usecase.Moderator
	Close     func() error
}

// NewProvider creates and verifies the configured completion provider.
func NewProvider(ctx context.Context, cfg *config.Config, awsCfg *AWS) (Provider, error) {
	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	switch cfg.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithBaseURL(cfg.OpenAI.BaseURL),
			openai.WithTemperatures(cfg.OpenAI.NarrativeTemperature, cfg.OpenAI.StructuredTemperature),
			openai.WithMaxTokens(cfg.Narrator.MaxTokens),
		}
		switch {
		case cfg.OpenAI.APIKey != "":
			opts = append(opts, openai.WithAPIKey(cfg.OpenAI.APIKey))
		case cfg.OpenAI.TokenParam != "":
			ac, err := awsCfg.Config(ctx)
			if err != nil {
				return Provider{}, err
			}
			params, err := paramstore.New(awsssm.NewFromConfig(ac), paramstore.WithPrefix(cfg.OpenAI.TokenPrefix))
			if err != nil {
				return Provider{}, fmt.Errorf("bootstrap: paramstore: %w", err)
			}
			opts = append(opts, openai.WithParamStore(params, cfg.OpenAI.TokenParam))
		default:
			return Provider{}, errors.New("bootstrap: openai.api_key or openai.token_param is required")
		}
		client, err := openai.NewClient(cfg.OpenAI.Model, opts...)
		if err != nil {
			return Provider{}, err
		}
		if err := client.Verify(vctx); err != nil {
			return Provider{}, err
		}
		p := Provider{Completer: client, Close: func() error { return nil }}
		if cfg.Moderation.Enabled {
			p.Moderator = client
		}
		return p, nil

	case config.ProviderGemini:
		client, err := gemini.New(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model,
			gemini.WithTemperatures(cfg.OpenAI.NarrativeTemperature, cfg.OpenAI.StructuredTemperature),
			gemini.WithMaxTokens(cfg.Narrator.MaxTokens),
		)
		if err != nil {
			return Provider{}, err
		}
		if err := client.Verify(vctx); err != nil {
			_ = client.Close()
			return Provider{}, err
		}
		return Provider{Completer: client, Close: client.Close}, nil

	default:
		return Provider{}, fmt.Errorf("bootstrap: unknown provider %q", cfg.Provider)
	}
}

// TurnService assembles the agents and the turn pipeline around a verified
// provider.
func TurnService(cfg *config.Config, store repository.Store, p Provider, logger *zap.Logger) (*usecase.TurnService, error) {
	router, err := agent.NewRouter(p.Completer, logger.Named("router"))
	if err != nil {
		return nil, err
	}
	filters, err := agent.NewFilterSet(p.Completer, logger.Named("filters"))
	if err != nil {
		return nil, err
	}
	narrator, err := agent.NewNarrator(p.Completer,
		agent.WithLanguage(cfg.Narrator.Language),
		agent.WithMaxSteps(cfg.Narrator.MaxSteps),
		agent.WithHistoryBudget(cfg.Narrator.HistoryBudget),
		agent.WithNarratorLogger(logger.Named("narrator")),
	)
	if err != nil {
		return nil, err
	}
	return usecase.NewTurnService(usecase.Dependencies{
		Turns:      store,
		Leases:     store,
		Characters: store,
		Router:     router,
		Filters:    filters,
		Narrator:   narrator,
		Dice:       dice.NewResolver(nil),
		Moderator:  p.Moderator,
		Logger:     logger.Named("turns"),
	}, usecase.Options{
		MaxActionLength: cfg.Turn.MaxActionLength,
		TurnTimeout:     cfg.Turn.Timeout,
		LeaseTTL:        cfg.Turn.LeaseTTL,
		LeaseRetry:      cfg.Turn.LeaseRetry,
	})
}

// Service returns the turn service, or a service reporting itself
// unavailable when the provider could not be initialized.
func Service(ctx context.Context, cfg *config.Config, store repository.Store, awsCfg *AWS, logger *zap.Logger) (handler.Service, func() error, error) {
	p, err := NewProvider(ctx, cfg, awsCfg)
	if err != nil {
		logger.Error("completion provider unavailable", zap.String("provider", cfg.Provider), zap.Error(err))
		return usecase.Unavailable(err), func() error { return nil }, nil
	}
	svc, err := TurnService(cfg, store, p, logger)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return svc, p.Close, nil
}
