// Package memflow provides a layered memory engine: durable memories with
// embeddings, similarity search over an in-process vector index, a directed
// relevance graph with consolidation and pruning, and multi-strategy
// retrieval.
//
// Usage:
//
//	import "github.com/BaSui01/memflow"
//
//	eng, err := memflow.New(memflow.Default())
//	id, err := eng.Store(ctx, "BTC broke resistance at 45k", map[string]any{"type": "analysis"})
//	results, err := eng.Query(ctx, "resistance breakout", memflow.StrategySemantic, 5, nil, nil)
package memflow

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/embedding"
	"github.com/BaSui01/memflow/hierarchy"
	"github.com/BaSui01/memflow/internal/database"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/processor"
	"github.com/BaSui01/memflow/retrieval"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

// Re-export the search strategies so callers rarely need to import types/.
const (
	StrategySemantic   = types.StrategySemantic
	StrategyTemporal   = types.StrategyTemporal
	StrategyHybrid     = types.StrategyHybrid
	StrategyContextual = types.StrategyContextual
)

// Default returns the default engine configuration.
func Default() *config.Config { return config.Default() }

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	logger   *zap.Logger
	provider embedding.Provider
	db       *gorm.DB
	redis    *redis.Client
}

// WithLogger sets a custom zap logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProvider sets a pre-built embedding provider. Defaults to an
// OpenAI-compatible HTTP provider built from the config.
func WithProvider(p embedding.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithDB injects an already-open gorm handle instead of opening one
// from the config. The engine will not close an injected handle.
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithRedis injects a redis client for the embedding cache tier.
func WithRedis(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

// Engine is the top-level entry point. All subsystems are wired once at
// construction and share one logger, one metrics registry and one DB handle.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	db        *gorm.DB
	ownsDB    bool
	store     *store.Store
	embed     *embedding.Manager
	vectors   *vector.Store
	graph     *hierarchy.Graph
	retriever *retrieval.Retriever
	processor *processor.Processor
}

// New builds an engine from the given configuration, runs migrations,
// loads the hierarchy and rebuilds the vector index from durable rows.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := o.db
	ownsDB := false
	if db == nil {
		var err error
		if db, err = database.Open(cfg.Database, logger); err != nil {
			return nil, err
		}
		ownsDB = true
	}

	st, err := store.New(db, logger)
	if err != nil {
		if ownsDB {
			database.Close(db)
		}
		return nil, err
	}

	m := metrics.New()

	rdb := o.redis
	if rdb == nil && cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	provider := o.provider
	if provider == nil {
		provider = embedding.NewHTTPProvider(embedding.HTTPProviderConfig{
			BaseURL:    cfg.Embedding.BaseURL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
		})
	}

	embed := embedding.NewManager(cfg.Embedding, provider, rdb, cfg.Redis.TTL, m, logger)
	vectors := vector.NewStore(st, provider.Dimensions(), m, logger)
	graph := hierarchy.NewGraph(st, logger)
	retriever := retrieval.New(st, vectors, embed, cfg.Retrieval, m, logger)
	proc := processor.New(st, vectors, graph, embed, cfg.Processor, m, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := vectors.Sync(ctx); err != nil {
		if ownsDB {
			database.Close(db)
		}
		return nil, err
	}
	if err := graph.Load(ctx); err != nil {
		if ownsDB {
			database.Close(db)
		}
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "memflow")),
		metrics:   m,
		db:        db,
		ownsDB:    ownsDB,
		store:     st,
		embed:     embed,
		vectors:   vectors,
		graph:     graph,
		retriever: retriever,
		processor: proc,
	}, nil
}

// Store processes and persists a new memory, returning its id.
func (e *Engine) Store(ctx context.Context, content any, metadata map[string]any) (string, error) {
	result, err := e.processor.ProcessNewMemory(ctx, content, metadata)
	if err != nil {
		return "", err
	}
	return result.MemoryID, nil
}

// Query runs one search. Validation failures are reported to the caller;
// retrieval failures are logged and degrade to empty results.
func (e *Engine) Query(ctx context.Context, text string, strategy types.Strategy, limit int, qctx *types.QueryContext, filters *types.SearchFilters) ([]types.SearchResult, error) {
	results, err := e.retriever.Search(ctx, text, strategy, limit, qctx, filters)
	if err != nil {
		if types.IsValidation(err) {
			return nil, err
		}
		e.logger.Warn("query degraded to empty results",
			zap.String("strategy", string(strategy)),
			zap.Error(err))
		return nil, nil
	}
	return results, nil
}

// Link inserts a directed edge between two memories.
func (e *Engine) Link(ctx context.Context, parentID, childID string, relation types.RelationType, score float64) error {
	return e.graph.AddEdge(ctx, parentID, childID, relation, score)
}

// GetTree builds the nested tree rooted at rootID.
func (e *Engine) GetTree(ctx context.Context, rootID string, maxDepth int, minRelevance float64) (*types.MemoryTree, error) {
	return e.graph.Tree(ctx, rootID, maxDepth, minRelevance)
}

// ExpandContext widens a result set along the relevance graph.
func (e *Engine) ExpandContext(ctx context.Context, results []types.SearchResult, depth int) ([]types.SearchResult, error) {
	return e.retriever.ExpandContext(ctx, results, depth)
}

// SearchByEmotionalTrajectory finds ordered memory chains matching an
// emotion sequence with strictly increasing timestamps.
func (e *Engine) SearchByEmotionalTrajectory(ctx context.Context, sequence []string, window *types.DateRange) ([][]types.SearchResult, error) {
	return e.retriever.ByEmotionalTrajectory(ctx, sequence, window)
}

// Maintain runs one maintenance cycle: consolidation, pruning and an index
// rebuild. Each step's failure is logged and the cycle moves on.
func (e *Engine) Maintain(ctx context.Context, consolidationThreshold float64, pruneAgeDays int, pruneImportanceFloor float64) {
	if merged, err := e.graph.Consolidate(ctx, consolidationThreshold); err != nil {
		e.logger.Warn("consolidation failed", zap.Error(err))
	} else if len(merged) > 0 {
		e.logger.Info("consolidation done", zap.Int("merged", len(merged)))
	}
	if ctx.Err() != nil {
		return
	}

	if archived, err := e.graph.Prune(ctx, pruneAgeDays, pruneImportanceFloor); err != nil {
		e.logger.Warn("pruning failed", zap.Error(err))
	} else if archived > 0 {
		e.logger.Info("pruning done", zap.Int("archived", archived))
	}
	if ctx.Err() != nil {
		return
	}

	if err := e.vectors.Sync(ctx); err != nil {
		e.logger.Warn("index sync failed", zap.Error(err))
	}
	e.metrics.MaintenanceRuns.Inc()
}

// RunMaintenance runs Maintain on a fixed interval until ctx is cancelled.
// Thresholds come from the hierarchy configuration.
func (e *Engine) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hcfg := e.cfg.Hierarchy
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Maintain(ctx, hcfg.ConsolidationThreshold, hcfg.PruneAgeDays, hcfg.PruneImportanceFloor)
		}
	}
}

// MetricsRegistry exposes the engine-owned prometheus registry for the
// caller's HTTP layer.
func (e *Engine) MetricsRegistry() *prometheus.Registry {
	return e.metrics.Registry()
}

// ClearEmbeddingCache drops cached embeddings older than the given age;
// zero drops everything.
func (e *Engine) ClearEmbeddingCache(olderThan time.Duration) {
	e.embed.ClearCache(olderThan)
}

// Close releases the database handle if the engine opened it.
func (e *Engine) Close() error {
	if e.ownsDB {
		return database.Close(e.db)
	}
	return nil
}
