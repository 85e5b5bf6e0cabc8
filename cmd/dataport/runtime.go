package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/dataport/pkg/api"
	"github.com/Mindburn-Labs/dataport/pkg/cache"
	"github.com/Mindburn-Labs/dataport/pkg/config"
	"github.com/Mindburn-Labs/dataport/pkg/live"
	"github.com/Mindburn-Labs/dataport/pkg/observability"
	"github.com/Mindburn-Labs/dataport/pkg/records"
	"github.com/Mindburn-Labs/dataport/pkg/store"
	"github.com/Mindburn-Labs/dataport/pkg/stream"
	"github.com/Mindburn-Labs/dataport/pkg/transport"
)

// runtime is everything one client session owns.
type runtime struct {
	cfg     *config.Config
	profile *config.TopicProfile
	topics  []records.TopicSpec
	logger  *slog.Logger

	obs     *observability.Provider
	client  *api.Client
	cache   *cache.QueryCache
	views   *cache.Views
	store   *store.SQLStore
	session *live.Session
}

// loadTopics applies the configured topic profile, if any, to the catalog.
func loadTopics(cfg *config.Config) ([]records.TopicSpec, *config.TopicProfile, error) {
	if cfg.TopicsFile == "" {
		return records.Catalog(), nil, nil
	}
	p, err := config.LoadTopicProfile(cfg.TopicsFile)
	if err != nil {
		return nil, nil, err
	}
	topics, err := p.Apply(records.Catalog())
	if err != nil {
		return nil, nil, fmt.Errorf("apply %s: %w", cfg.TopicsFile, err)
	}
	return topics, p, nil
}

func bearer(tokens api.TokenSource) transport.Authorizer {
	return func(req *http.Request) error {
		tok, err := tokens.Token(req.Context())
		if err != nil {
			return err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		return nil
	}
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{
		cfg:    cfg,
		logger: slog.Default().With("component", "cli"),
		views:  cache.NewViews(),
	}

	var err error
	rt.topics, rt.profile, err = loadTopics(cfg)
	if err != nil {
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	rt.obs, err = observability.New(ctx, obsCfg)
	if err != nil {
		return nil, err
	}

	tokens := api.StaticToken(cfg.APIToken)
	rt.client = api.New(cfg.APIBaseURL,
		api.WithTokenSource(tokens),
		api.WithObservability(rt.obs),
	)

	rt.cache = cache.New(cache.WithStaleTime(cfg.StaleTime))
	cache.RegisterType[cache.Page[records.Incident]](rt.cache, records.ResourceIncidents)
	cache.RegisterType[records.ComplianceState](rt.cache, records.ResourceComplianceState)
	cache.RegisterType[[]records.Task](rt.cache, records.ResourceTasks)

	if cfg.SnapshotDSN != "" {
		rt.store, err = store.Open(ctx, cfg.SnapshotDSN)
		if err != nil {
			rt.close(ctx)
			return nil, err
		}
		n, err := rt.cache.Hydrate(ctx, rt.store)
		if err != nil {
			rt.logger.Warn("snapshot hydrate incomplete", "error", err)
		}
		rt.logger.Info("cache hydrated", "entries", n)
	}

	rt.session, err = live.New(cfg.APIBaseURL,
		live.WithFactory(transport.Default(bearer(tokens))),
		live.WithTopics(rt.topics),
		live.WithPolicy(cfg.BackoffPolicy()),
		live.WithRecorder(rt.obs),
		live.WithStateObserver(func(endpoint string, from, to stream.State) {
			rt.logger.Info("connection", "endpoint", endpoint, "from", from, "to", to)
		}),
	)
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	return rt, nil
}

// close persists the cache and releases everything. It is safe on a
// partially built runtime.
func (rt *runtime) close(ctx context.Context) {
	if rt.session != nil {
		if err := rt.session.Close(); err != nil {
			rt.logger.Warn("session close", "error", err)
		}
	}
	if rt.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		n, err := rt.cache.Persist(sctx, rt.store)
		cancel()
		if err != nil {
			rt.logger.Warn("snapshot persist incomplete", "error", err)
		}
		rt.logger.Info("cache persisted", "entries", n)
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("snapshot store close", "error", err)
		}
	}
	if rt.obs != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := rt.obs.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Warn("observability shutdown", "error", err)
		}
		cancel()
	}
}

func (rt *runtime) pageSize(topic string) int {
	return rt.profile.PageSize(topic, rt.cfg.PageSize)
}
