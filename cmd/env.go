package main

import (
	"context"
	"io"
	"time"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/overhage/taxis/internal/blob"
	"github.com/overhage/taxis/internal/classify"
	"github.com/overhage/taxis/internal/config"
	"github.com/overhage/taxis/internal/continuation"
	"github.com/overhage/taxis/internal/cost"
	"github.com/overhage/taxis/internal/engine"
	"github.com/overhage/taxis/internal/resilience"
	"github.com/overhage/taxis/internal/store"
	"github.com/overhage/taxis/internal/watchdog"
	anthropicpkg "github.com/overhage/taxis/pkg/anthropic"
	openaipkg "github.com/overhage/taxis/pkg/openai"
)

// appEnv holds the initialized store, blob store and, for worker commands,
// the engine and watchdog.
type appEnv struct {
	Store      store.Store
	Blobs      blob.Store
	Sink       continuation.Sink
	Classifier engine.Classifier
	Engine     *engine.Engine
	Watchdog   *watchdog.Watchdog
}

// engineWithSink builds an engine sharing the env's store, blobs and
// classifier but continuing jobs through sink.
func (e *appEnv) engineWithSink(sink continuation.Sink) *engine.Engine {
	return engine.New(e.Store, e.Blobs, e.Classifier, sink, engine.OptionsFromConfig(cfg))
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if c, ok := e.Sink.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := e.Blobs.(io.Closer); ok {
		_ = c.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initAdmin sets up the store and blob store. Callers should defer env.Close().
func initAdmin(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("admin"); err != nil {
		return nil, err
	}
	return initBase(ctx)
}

// initWorker additionally builds the classifier, continuation sink, engine
// and watchdog. Callers should defer env.Close().
func initWorker(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("worker"); err != nil {
		return nil, err
	}
	env, err := initBase(ctx)
	if err != nil {
		return nil, err
	}

	sink, err := continuation.New(cfg.Continuation)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Sink = sink

	c, err := initClassifier(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Classifier = c
	env.Engine = env.engineWithSink(sink)
	env.Watchdog = watchdog.New(env.Store, sink, cfg.Watchdog)
	return env, nil
}

func initBase(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &appEnv{Store: st, Blobs: blobs}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "taxis.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initClassifier builds the provider client, breaker and cost calculator
// behind the classifier.
func initClassifier(c *config.Config) (*classify.Classifier, error) {
	var provider classify.Provider
	switch c.LLM.Provider {
	case "openai":
		provider = classify.NewOpenAIProvider(openaipkg.NewClient(c.LLM.Key, openaipkg.Options{BaseURL: c.LLM.BaseURL}))
	case "anthropic":
		var opts []anthropicopt.RequestOption
		if c.LLM.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(c.LLM.BaseURL))
		}
		provider = classify.NewAnthropicProvider(anthropicpkg.NewClient(c.LLM.Key, opts...))
	default:
		return nil, eris.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}

	var breaker *resilience.Breaker
	if c.LLM.Circuit.FailureThreshold > 0 {
		breaker = resilience.NewBreaker(classify.BreakerConfig(
			c.LLM.Circuit.FailureThreshold,
			time.Duration(c.LLM.Circuit.ResetTimeoutSecs)*time.Second,
		))
	}

	rates := make(cost.Rates, len(c.Pricing.Models))
	for model, p := range c.Pricing.Models {
		rates[model] = cost.ModelRate{Input: p.Input, Output: p.Output}
	}

	zap.L().Info("classifier configured",
		zap.String("provider", c.LLM.Provider),
		zap.Strings("models", c.LLM.Models),
		zap.String("prompt_version", c.LLM.PromptVersion),
	)
	return classify.New(provider, classify.Options{
		Models:         c.LLM.Models,
		MaxTokens:      c.LLM.MaxTokens,
		Timeout:        c.LLM.Timeout(),
		RequestsPerSec: c.LLM.RequestsPerSec,
		PromptVersion:  c.LLM.PromptVersion,
		Breaker:        breaker,
		Cost:           cost.NewCalculator(rates),
	}), nil
}
