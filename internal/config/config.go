package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marcofalcone/engram/internal/indexer"
)

// Config contains all runtime settings for the memory engine daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	DatabaseURL        string
	MemoryEmbeddingDim int

	TranscriptsRoot string
	Agents          []indexer.Agent

	EmbeddingBaseURL string
	EmbeddingAPIKey  string
	EmbeddingModel   string

	ExtractionProvider string
	OllamaBaseURL      string
	OllamaModel        string
	GatewayWSURL       string
	GatewayToken       string
	GatewayModel       string

	DedupThreshold      float64
	PromotionMinReinf   int
	PromotionMinAgeDays int
	RetentionDays       int
	IndexMaxConcurrent  int
	IndexBatchSize      int
	ScheduleIndexCron   string
	ScheduleConsolidate string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "engram"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "text"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		MemoryEmbeddingDim:  1536,
		TranscriptsRoot:     stringsTrimSpace("TRANSCRIPTS_ROOT"),
		EmbeddingBaseURL:    stringsTrimSpace("EMBEDDING_BASE_URL"),
		EmbeddingAPIKey:     stringsTrimSpace("EMBEDDING_API_KEY"),
		EmbeddingModel:      envOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		ExtractionProvider:  envOrDefault("EXTRACTION_PROVIDER", "auto"),
		OllamaBaseURL:       envOrDefault("EXTRACTION_OLLAMA_URL", "http://127.0.0.1:11434"),
		OllamaModel:         envOrDefault("EXTRACTION_OLLAMA_MODEL", "qwen2.5:7b"),
		GatewayWSURL:        stringsTrimSpace("GATEWAY_WS_URL"),
		GatewayToken:        stringsTrimSpace("GATEWAY_TOKEN"),
		GatewayModel:        envOrDefault("GATEWAY_MODEL", "default"),
		DedupThreshold:      0.85,
		PromotionMinReinf:   3,
		PromotionMinAgeDays: 7,
		RetentionDays:       0,
		IndexMaxConcurrent:  1,
		IndexBatchSize:      100,
		ScheduleIndexCron:   stringsTrimSpace("SCHEDULE_INDEX_CRON"),
		ScheduleConsolidate: stringsTrimSpace("SCHEDULE_CONSOLIDATE_CRON"),
		ShutdownTimeout:     15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupThreshold, err = floatFromEnv("MEMORY_DEDUP_THRESHOLD", cfg.DedupThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.PromotionMinReinf, err = intFromEnv("MEMORY_PROMOTION_MIN_REINFORCEMENTS", cfg.PromotionMinReinf)
	if err != nil {
		return Config{}, err
	}
	cfg.PromotionMinAgeDays, err = intFromEnv("MEMORY_PROMOTION_MIN_AGE_DAYS", cfg.PromotionMinAgeDays)
	if err != nil {
		return Config{}, err
	}
	cfg.RetentionDays, err = intFromEnv("MEMORY_RETENTION_DAYS", cfg.RetentionDays)
	if err != nil {
		return Config{}, err
	}
	cfg.IndexMaxConcurrent, err = intFromEnv("INDEX_MAX_CONCURRENT", cfg.IndexMaxConcurrent)
	if err != nil {
		return Config{}, err
	}
	cfg.IndexBatchSize, err = intFromEnv("INDEX_BATCH_SIZE", cfg.IndexBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.Agents, err = parseAgents(stringsTrimSpace("AGENTS"))
	if err != nil {
		return Config{}, err
	}

	if cfg.MemoryEmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if cfg.DedupThreshold <= 0 || cfg.DedupThreshold >= 1 {
		return Config{}, fmt.Errorf("MEMORY_DEDUP_THRESHOLD must be in (0, 1)")
	}
	if cfg.PromotionMinReinf <= 0 {
		return Config{}, fmt.Errorf("MEMORY_PROMOTION_MIN_REINFORCEMENTS must be positive")
	}
	if cfg.PromotionMinAgeDays <= 0 {
		return Config{}, fmt.Errorf("MEMORY_PROMOTION_MIN_AGE_DAYS must be positive")
	}
	if cfg.RetentionDays < 0 {
		return Config{}, fmt.Errorf("MEMORY_RETENTION_DAYS must be >= 0")
	}
	if cfg.IndexMaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("INDEX_MAX_CONCURRENT must be positive")
	}
	if cfg.IndexBatchSize <= 0 {
		return Config{}, fmt.Errorf("INDEX_BATCH_SIZE must be positive")
	}
	switch cfg.ExtractionProvider {
	case "auto", "ollama", "gateway", "mock":
	default:
		return Config{}, fmt.Errorf("EXTRACTION_PROVIDER must be one of auto, ollama, gateway, mock")
	}

	return cfg, nil
}

// parseAgents reads the AGENTS variable. Entries are semicolon separated,
// each "id=workspace" with an optional comma-separated project list behind
// a colon: "alpha=/home/a:projA,projB;beta=/home/b".
func parseAgents(v string) ([]indexer.Agent, error) {
	if v == "" {
		return nil, nil
	}
	var agents []indexer.Agent
	for _, entry := range strings.Split(v, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("AGENTS entry %q: want id=workspace[:projects]", entry)
		}
		workspace, projectList, _ := strings.Cut(rest, ":")
		workspace = strings.TrimSpace(workspace)
		if workspace == "" {
			return nil, fmt.Errorf("AGENTS entry %q: empty workspace", entry)
		}
		agent := indexer.Agent{ID: id, Workspace: workspace}
		for _, p := range strings.Split(projectList, ",") {
			if p = strings.TrimSpace(p); p != "" {
				agent.Projects = append(agent.Projects, p)
			}
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
