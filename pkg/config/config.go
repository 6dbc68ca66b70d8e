// Package config defines the engine configuration surface: defaults,
// JSON file loading, and range validation for every tunable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liliang-cn/livingmemory/pkg/core"
)

// File names created inside DataDir.
const (
	DBFileName    = "livingmemory.db"
	IndexFileName = "livingmemory.index"
)

// Config is the full engine configuration. Zero values are filled by
// Default; Load overlays a JSON file on top of the defaults so absent
// keys keep their default.
type Config struct {
	DataDir          string                 `json:"data_dir"`
	LogLevel         string                 `json:"log_level"`
	SessionManager   SessionManagerConfig   `json:"session_manager"`
	RecallEngine     RecallEngineConfig     `json:"recall_engine"`
	Fusion           FusionConfig           `json:"fusion"`
	ReflectionEngine ReflectionEngineConfig `json:"reflection_engine"`
	SparseRetriever  SparseRetrieverConfig  `json:"sparse_retriever"`
	ForgettingAgent  ForgettingAgentConfig  `json:"forgetting_agent"`
	Provider         ProviderConfig         `json:"provider"`
	TimezoneSettings TimezoneSettings       `json:"timezone_settings"`
}

// SessionManagerConfig bounds the in-process session table.
type SessionManagerConfig struct {
	MaxSessions       int `json:"max_sessions"`
	SessionTTLSeconds int `json:"session_ttl_seconds"`
}

// RecallEngineConfig controls retrieval and reranking.
type RecallEngineConfig struct {
	TopK             int     `json:"top_k"`
	RetrievalMode    string  `json:"retrieval_mode"`
	RecallStrategy   string  `json:"recall_strategy"`
	SimilarityWeight float64 `json:"similarity_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	RecencyWeight    float64 `json:"recency_weight"`
}

// FusionConfig selects and tunes the dense/sparse result fusion strategy.
type FusionConfig struct {
	Strategy        string  `json:"strategy"`
	RRFK            int     `json:"rrf_k"`
	DenseWeight     float64 `json:"dense_weight"`
	SparseWeight    float64 `json:"sparse_weight"`
	ConvexLambda    float64 `json:"convex_lambda"`
	InterleaveRatio float64 `json:"interleave_ratio"`
	RankBiasFactor  float64 `json:"rank_bias_factor"`
	DiversityBonus  float64 `json:"diversity_bonus"`
}

// ReflectionEngineConfig controls when and how conversation history is
// distilled into memories.
type ReflectionEngineConfig struct {
	SummaryTriggerRounds  int     `json:"summary_trigger_rounds"`
	ImportanceThreshold   float64 `json:"importance_threshold"`
	EventExtractionPrompt string  `json:"event_extraction_prompt,omitempty"`
	EvaluationPrompt      string  `json:"evaluation_prompt,omitempty"`
}

// SparseRetrieverConfig tunes BM25 keyword retrieval.
type SparseRetrieverConfig struct {
	Enabled         bool    `json:"enabled"`
	BM25K1          float64 `json:"bm25_k1"`
	BM25B           float64 `json:"bm25_b"`
	UseCJKSegmenter bool    `json:"use_cjk_segmenter"`
}

// ForgettingAgentConfig controls the background decay and pruning pass.
type ForgettingAgentConfig struct {
	Enabled             bool    `json:"enabled"`
	CheckIntervalHours  int     `json:"check_interval_hours"`
	RetentionDays       int     `json:"retention_days"`
	ImportanceDecayRate float64 `json:"importance_decay_rate"`
	ImportanceThreshold float64 `json:"importance_threshold"`
	ForgettingBatchSize int     `json:"forgetting_batch_size"`
}

// ProviderConfig points at the LLM and embedding services.
type ProviderConfig struct {
	BaseURL                  string `json:"base_url,omitempty"`
	APIKey                   string `json:"api_key,omitempty"`
	ChatModel                string `json:"chat_model"`
	EmbeddingModel           string `json:"embedding_model"`
	EmbeddingCacheURL        string `json:"embedding_cache_url,omitempty"`
	EmbeddingCacheTTLSeconds int    `json:"embedding_cache_ttl_seconds"`
}

// TimezoneSettings holds the IANA zone used for human-facing timestamps.
type TimezoneSettings struct {
	Timezone string `json:"timezone"`
}

// RetrievalMode values.
const (
	ModeHybrid = "hybrid"
	ModeDense  = "dense"
	ModeSparse = "sparse"
)

// RecallStrategy values.
const (
	StrategyWeighted   = "weighted"
	StrategySimilarity = "similarity"
)

// validFusionStrategies mirrors the registry in pkg/fusion.
var validFusionStrategies = []string{
	"rrf", "hybrid_rrf", "weighted", "convex", "interleave",
	"rank_fusion", "score_fusion", "cascade", "adaptive",
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "info",
		SessionManager: SessionManagerConfig{
			MaxSessions:       1000,
			SessionTTLSeconds: 3600,
		},
		RecallEngine: RecallEngineConfig{
			TopK:             5,
			RetrievalMode:    ModeHybrid,
			RecallStrategy:   StrategyWeighted,
			SimilarityWeight: 0.6,
			ImportanceWeight: 0.2,
			RecencyWeight:    0.2,
		},
		Fusion: FusionConfig{
			Strategy:        "rrf",
			RRFK:            60,
			DenseWeight:     0.7,
			SparseWeight:    0.3,
			ConvexLambda:    0.5,
			InterleaveRatio: 0.5,
			RankBiasFactor:  0.1,
			DiversityBonus:  0.1,
		},
		ReflectionEngine: ReflectionEngineConfig{
			SummaryTriggerRounds: 10,
			ImportanceThreshold:  0.5,
		},
		SparseRetriever: SparseRetrieverConfig{
			Enabled:         true,
			BM25K1:          1.2,
			BM25B:           0.75,
			UseCJKSegmenter: true,
		},
		ForgettingAgent: ForgettingAgentConfig{
			Enabled:             true,
			CheckIntervalHours:  24,
			RetentionDays:       90,
			ImportanceDecayRate: 0.005,
			ImportanceThreshold: 0.3,
			ForgettingBatchSize: 1000,
		},
		Provider: ProviderConfig{
			ChatModel:                "gpt-4o-mini",
			EmbeddingModel:           "text-embedding-3-small",
			EmbeddingCacheTTLSeconds: 86400,
		},
		TimezoneSettings: TimezoneSettings{
			Timezone: "UTC",
		},
	}
}

// Load reads a JSON config file and overlays it on Default, so the file
// only needs to mention the keys it changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.WrapError("config.load", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, core.WrapError("config.load", fmt.Errorf("%w: %v", core.ErrInvalidConfig, err))
	}
	return cfg, nil
}

// Clone returns an independent copy, used for copy-on-write config swaps.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// DBPath returns the SQLite file location under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFileName)
}

// IndexPath returns the dense index snapshot location under DataDir.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, IndexFileName)
}

// Location resolves the configured timezone, falling back to UTC when the
// name is empty.
func (c *Config) Location() (*time.Location, error) {
	name := c.TimezoneSettings.Timezone
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// Validate checks every field against its allowed range. It returns the
// full list of violations as one error wrapping ErrInvalidConfig, plus
// non-fatal warnings (for example recall weights drifting away from 1.0).
func (c *Config) Validate() (warnings []string, err error) {
	var problems []string

	if c.DataDir == "" {
		problems = append(problems, "data_dir must not be empty")
	}
	checkOneOf(&problems, "log_level", strings.ToLower(c.LogLevel),
		[]string{"debug", "info", "warn", "error"})

	checkIntRange(&problems, "session_manager.max_sessions", c.SessionManager.MaxSessions, 1, 10000)
	checkIntRange(&problems, "session_manager.session_ttl_seconds", c.SessionManager.SessionTTLSeconds, 60, 86400)

	checkIntRange(&problems, "recall_engine.top_k", c.RecallEngine.TopK, 1, 50)
	checkOneOf(&problems, "recall_engine.retrieval_mode", c.RecallEngine.RetrievalMode,
		[]string{ModeHybrid, ModeDense, ModeSparse})
	checkOneOf(&problems, "recall_engine.recall_strategy", c.RecallEngine.RecallStrategy,
		[]string{StrategyWeighted, StrategySimilarity})
	checkUnitRange(&problems, "recall_engine.similarity_weight", c.RecallEngine.SimilarityWeight)
	checkUnitRange(&problems, "recall_engine.importance_weight", c.RecallEngine.ImportanceWeight)
	checkUnitRange(&problems, "recall_engine.recency_weight", c.RecallEngine.RecencyWeight)

	checkOneOf(&problems, "fusion.strategy", c.Fusion.Strategy, validFusionStrategies)
	checkIntRange(&problems, "fusion.rrf_k", c.Fusion.RRFK, 1, 1000)
	checkUnitRange(&problems, "fusion.dense_weight", c.Fusion.DenseWeight)
	checkUnitRange(&problems, "fusion.sparse_weight", c.Fusion.SparseWeight)
	checkUnitRange(&problems, "fusion.convex_lambda", c.Fusion.ConvexLambda)
	checkUnitRange(&problems, "fusion.interleave_ratio", c.Fusion.InterleaveRatio)
	checkUnitRange(&problems, "fusion.rank_bias_factor", c.Fusion.RankBiasFactor)
	checkUnitRange(&problems, "fusion.diversity_bonus", c.Fusion.DiversityBonus)
	if sum := c.Fusion.DenseWeight + c.Fusion.SparseWeight; sum > 1.0 {
		problems = append(problems, fmt.Sprintf(
			"fusion.dense_weight + fusion.sparse_weight must not exceed 1.0, got %.3f", sum))
	}

	checkIntRange(&problems, "reflection_engine.summary_trigger_rounds", c.ReflectionEngine.SummaryTriggerRounds, 1, 100)
	checkUnitRange(&problems, "reflection_engine.importance_threshold", c.ReflectionEngine.ImportanceThreshold)

	checkFloatRange(&problems, "sparse_retriever.bm25_k1", c.SparseRetriever.BM25K1, 0, 10)
	checkUnitRange(&problems, "sparse_retriever.bm25_b", c.SparseRetriever.BM25B)

	checkIntRange(&problems, "forgetting_agent.check_interval_hours", c.ForgettingAgent.CheckIntervalHours, 1, 168)
	checkIntRange(&problems, "forgetting_agent.retention_days", c.ForgettingAgent.RetentionDays, 1, 3650)
	checkUnitRange(&problems, "forgetting_agent.importance_decay_rate", c.ForgettingAgent.ImportanceDecayRate)
	checkUnitRange(&problems, "forgetting_agent.importance_threshold", c.ForgettingAgent.ImportanceThreshold)
	checkIntRange(&problems, "forgetting_agent.forgetting_batch_size", c.ForgettingAgent.ForgettingBatchSize, 100, 10000)

	if c.Provider.ChatModel == "" {
		problems = append(problems, "provider.chat_model must not be empty")
	}
	if c.Provider.EmbeddingModel == "" {
		problems = append(problems, "provider.embedding_model must not be empty")
	}
	if c.Provider.EmbeddingCacheTTLSeconds < 0 {
		problems = append(problems, "provider.embedding_cache_ttl_seconds must not be negative")
	}

	if _, lerr := c.Location(); lerr != nil {
		problems = append(problems, fmt.Sprintf("timezone_settings.timezone %q is not a valid IANA zone", c.TimezoneSettings.Timezone))
	}

	// Recall weights are only nudged, never rejected: callers may want the
	// rerank to deliberately over- or under-shoot.
	wsum := c.RecallEngine.SimilarityWeight + c.RecallEngine.ImportanceWeight + c.RecallEngine.RecencyWeight
	if diff := wsum - 1.0; diff > 0.1 || diff < -0.1 {
		warnings = append(warnings, fmt.Sprintf(
			"recall weights sum to %.3f, expected about 1.0; scores will be skewed", wsum))
	}

	if len(problems) > 0 {
		return warnings, core.WrapError("config.validate",
			fmt.Errorf("%w: %s", core.ErrInvalidConfig, strings.Join(problems, "; ")))
	}
	return warnings, nil
}

func checkIntRange(problems *[]string, name string, v, lo, hi int) {
	if v < lo || v > hi {
		*problems = append(*problems, fmt.Sprintf("%s must be in [%d,%d], got %d", name, lo, hi, v))
	}
}

func checkFloatRange(problems *[]string, name string, v, lo, hi float64) {
	if v < lo || v > hi {
		*problems = append(*problems, fmt.Sprintf("%s must be in [%g,%g], got %g", name, lo, hi, v))
	}
}

func checkUnitRange(problems *[]string, name string, v float64) {
	checkFloatRange(problems, name, v, 0, 1)
}

func checkOneOf(problems *[]string, name, v string, allowed []string) {
	for _, a := range allowed {
		if v == a {
			return
		}
	}
	*problems = append(*problems, fmt.Sprintf("%s must be one of %s, got %q",
		name, strings.Join(allowed, "|"), v))
}
