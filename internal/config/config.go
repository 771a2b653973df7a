package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	ServerPort         string
	PostgresURL        string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	ResearchModel      string
	StructuredModel    string
	RefinerModel       string
	VisionModel        string
	EmbeddingModel     string
	ExaAPIKey          string
	ExaBaseURL         string
	ProviderRPM        int
	SearchResultCount  int
	MaxResearchTurns   int
	MaxTrendsPerQuery  int
	RankedTrendCount   int
	LogLevel           string
	CORSAllowedOrigins string
}

func Load() Config {
	return Config{
		ServerPort:         getEnv("TRENDLAB_PORT", "8080"),
		PostgresURL:        postgresURL(),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		ResearchModel:      getEnv("RESEARCH_MODEL", "gpt-4o"),
		StructuredModel:    getEnv("STRUCTURED_MODEL", "gpt-4o"),
		RefinerModel:       getEnv("REFINER_MODEL", "gpt-4o-mini"),
		VisionModel:        getEnv("VISION_MODEL", "gpt-4.1-mini"),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		ExaAPIKey:          getEnv("EXA_SEARCH_API_KEY", ""),
		ExaBaseURL:         getEnv("EXA_BASE_URL", ""),
		ProviderRPM:        getEnvInt("PROVIDER_RPM", 60),
		SearchResultCount:  getEnvInt("SEARCH_RESULT_COUNT", 10),
		MaxResearchTurns:   getEnvInt("MAX_RESEARCH_TURNS", 6),
		MaxTrendsPerQuery:  getEnvInt("MAX_TRENDS_PER_QUERY", 15),
		RankedTrendCount:   getEnvInt("RANKED_TREND_COUNT", 5),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func postgresURL() string {
	if url := getEnv("POSTGRES_URL", ""); url != "" {
		return url
	}
	host := getEnv("POSTGRES_HOST", "")
	if host == "" {
		return ""
	}
	user := getEnv("POSTGRES_USER", "trendlab")
	password := getEnv("POSTGRES_PASSWORD", "trendlab")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "trendlab")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
