package quickquiz

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	openai "github.com/sashabaranov/go-openai"
)

// Config holds every tunable policy for the pipeline. Thresholds and
// budgets live here rather than at their use sites.
type Config struct {
	OpenAIKey      string
	ChatModel      string
	EmbeddingModel openai.EmbeddingModel
	EmbeddingDims  int

	DBPath        string
	RedisAddr     string // empty selects the in-memory cache backend
	RedisPassword string
	RedisDB       int

	CacheTTL     time.Duration
	CacheVersion string // bump when chunking or generation logic changes

	MinContentChars    int
	ChunkTargetTokens  int
	ChunkOverlapTokens int
	ChunkQualityFloor  float64

	EmbedBatchSize   int
	EmbedConcurrency int

	NumContextChunks int
	DefaultQuestions int
	MaxQuestions     int

	AcceptThreshold float64
	AmendThreshold  float64
	CriterionFloor  float64
	AmendmentBudget int
	Weights         RubricWeights

	FetchTimeout time.Duration
	CallTimeout  time.Duration

	GenerationRetry RetryPolicy
	EvaluationRetry RetryPolicy
	EmbeddingRetry  RetryPolicy
	FetchRetry      RetryPolicy

	TranscriptDir string
}

// DefaultConfig returns the standard policy defaults.
func DefaultConfig() Config {
	retry := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
	return Config{
		ChatModel:      openai.GPT4o,
		EmbeddingModel: openai.AdaEmbeddingV2,
		EmbeddingDims:  1536,

		DBPath: "quickquiz.db",

		CacheTTL:     time.Hour,
		CacheVersion: "v1",

		MinContentChars:    50,
		ChunkTargetTokens:  1000,
		ChunkOverlapTokens: 150,
		ChunkQualityFloor:  0.35,

		EmbedBatchSize:   32,
		EmbedConcurrency: 4,

		NumContextChunks: 3,
		DefaultQuestions: 5,
		MaxQuestions:     50,

		AcceptThreshold: 0.90,
		AmendThreshold:  0.70,
		CriterionFloor:  0.5,
		AmendmentBudget: 2,
		Weights:         RubricWeights{Clarity: 1, Accuracy: 1, DifficultyFit: 1, Relevance: 1},

		FetchTimeout: 30 * time.Second,
		CallTimeout:  60 * time.Second,

		GenerationRetry: retry,
		EvaluationRetry: retry,
		EmbeddingRetry:  retry,
		FetchRetry:      retry,

		TranscriptDir: "log",
	}
}

// LoadConfig builds a Config from defaults overlaid with environment
// variables. A .env file is loaded first when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.ChatModel = getEnv("QUICKQUIZ_CHAT_MODEL", cfg.ChatModel)
	if v := os.Getenv("QUICKQUIZ_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = openai.EmbeddingModel(v)
	}
	cfg.DBPath = getEnv("QUICKQUIZ_DB", cfg.DBPath)
	cfg.RedisAddr = getEnv("QUICKQUIZ_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("QUICKQUIZ_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("QUICKQUIZ_REDIS_DB", cfg.RedisDB)
	cfg.CacheTTL = getEnvDuration("QUICKQUIZ_CACHE_TTL", cfg.CacheTTL)
	cfg.AcceptThreshold = getEnvFloat("QUICKQUIZ_ACCEPT_THRESHOLD", cfg.AcceptThreshold)
	cfg.AmendThreshold = getEnvFloat("QUICKQUIZ_AMEND_THRESHOLD", cfg.AmendThreshold)
	cfg.AmendmentBudget = getEnvInt("QUICKQUIZ_AMENDMENT_BUDGET", cfg.AmendmentBudget)
	cfg.ChunkTargetTokens = getEnvInt("QUICKQUIZ_CHUNK_TOKENS", cfg.ChunkTargetTokens)
	cfg.ChunkOverlapTokens = getEnvInt("QUICKQUIZ_CHUNK_OVERLAP", cfg.ChunkOverlapTokens)
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
