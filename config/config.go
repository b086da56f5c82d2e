// =============================================================================
// 📦 memflow 配置
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.Load("memflow.yaml")
//	cfg := config.Default()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量（MEMFLOW_ 前缀）
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是记忆引擎的完整配置结构。
// 配置在启动时构造一次并注入各组件构造函数，没有进程级单例。
type Config struct {
	// Database 持久层配置
	Database DatabaseConfig `yaml:"database"`

	// Redis 可选的共享嵌入缓存
	Redis RedisConfig `yaml:"redis"`

	// Embedding 嵌入提供者配置
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Hierarchy 层级图维护配置
	Hierarchy HierarchyConfig `yaml:"hierarchy"`

	// Retrieval 检索层配置
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Processor 摄入层配置
	Processor ProcessorConfig `yaml:"processor"`
}

// DatabaseConfig 持久层配置。Driver 为 "sqlite" 或 "postgres"。
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig 嵌入缓存的 Redis 层。Enabled 为 false 时只用进程内缓存。
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// EmbeddingConfig 嵌入提供者及其限流配置。
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`

	// TokenLimit 单次调用的 token 预算，超出部分截断
	TokenLimit int `yaml:"token_limit"`
	// BatchSize batch_get_embeddings 的批大小
	BatchSize int `yaml:"batch_size"`
	// MaxConcurrency 并发调用上限（有界信号量）
	MaxConcurrency int64 `yaml:"max_concurrency"`
	// RequestsPerMinute 每 60 秒滚动请求预算
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// ChunkOverlap 语义分块的重叠 token 数
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// HierarchyConfig 维护例程的阈值。
type HierarchyConfig struct {
	ConsolidationThreshold float64 `yaml:"consolidation_threshold"`
	PruneAgeDays           int     `yaml:"prune_age_days"`
	PruneImportanceFloor   float64 `yaml:"prune_importance_floor"`
}

// RetrievalConfig 检索层配置。
type RetrievalConfig struct {
	// DefaultLimit 未指定 limit 时的结果数
	DefaultLimit int `yaml:"default_limit"`
	// SimilarityThreshold 语义搜索的最低相似度
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// MaxTrajectoryLength 情绪轨迹搜索的序列长度上限
	MaxTrajectoryLength int `yaml:"max_trajectory_length"`
	// MaxCandidates 轨迹搜索每个情绪标签的候选上限
	MaxCandidates int `yaml:"max_candidates"`
}

// ProcessorConfig 摄入层配置。
type ProcessorConfig struct {
	// CompressThreshold 超过该字符数的内容进行句子压缩
	CompressThreshold int `yaml:"compress_threshold"`
	// LinkFloor 自动建边的最低相似度
	LinkFloor float64 `yaml:"link_floor"`
}

// Default 返回全部默认配置。
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:memflow.db?cache=shared",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     24 * time.Hour,
		},
		Embedding: EmbeddingConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "text-embedding-ada-002",
			Dimensions:        1536,
			Timeout:           30 * time.Second,
			TokenLimit:        8191,
			BatchSize:         8,
			MaxConcurrency:    10,
			RequestsPerMinute: 150,
			ChunkOverlap:      100,
		},
		Hierarchy: HierarchyConfig{
			ConsolidationThreshold: 0.8,
			PruneAgeDays:           30,
			PruneImportanceFloor:   0.3,
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:        5,
			SimilarityThreshold: 0.7,
			MaxTrajectoryLength: 6,
			MaxCandidates:       50,
		},
		Processor: ProcessorConfig{
			CompressThreshold: 1000,
			LinkFloor:         0.5,
		},
	}
}

// Load 从 YAML 文件加载配置，再应用环境变量覆盖。
// path 为空时跳过文件，只返回默认值 + 环境覆盖。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置的基本约束。
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding batch size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Hierarchy.ConsolidationThreshold < 0 || c.Hierarchy.ConsolidationThreshold > 1 {
		return fmt.Errorf("consolidation threshold must be in [0,1], got %f", c.Hierarchy.ConsolidationThreshold)
	}
	return nil
}

// applyEnvOverrides 对常用标量应用 MEMFLOW_ 前缀的环境覆盖。
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("MEMFLOW_DATABASE_DRIVER", &cfg.Database.Driver)
	setString("MEMFLOW_DATABASE_DSN", &cfg.Database.DSN)
	setBool("MEMFLOW_REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("MEMFLOW_REDIS_ADDR", &cfg.Redis.Addr)
	setString("MEMFLOW_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("MEMFLOW_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	setString("MEMFLOW_EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	setString("MEMFLOW_EMBEDDING_MODEL", &cfg.Embedding.Model)
	setInt("MEMFLOW_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)
	setInt("MEMFLOW_EMBEDDING_REQUESTS_PER_MINUTE", &cfg.Embedding.RequestsPerMinute)
	setInt("MEMFLOW_HIERARCHY_PRUNE_AGE_DAYS", &cfg.Hierarchy.PruneAgeDays)
}
