package config

import (
	"os"

	"github.com/vbonduro/homeinv/internal/proxy"
)

type Config struct {
	ListenAddr string
	DBPath     string
	FilePath   string
	LogLevel   string
	LogFormat  string
	LogFile    string

	// Upstream workflow service credentials used by the proxy handlers.
	DifyAPIKey string
	DifyAPIURL string

	ExtractBackend     string
	WorkflowProxyURL   string
	WorkflowImageInput string
	WorkflowID         string
	ClaudeAPIKey       string
	ClaudeModel        string
	OllamaHost         string
	OllamaModel        string
}

func Load() *Config {
	return &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "/data/homeinv.db"),
		FilePath:           getEnv("FILE_LOCAL_PATH", "/data/files"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		LogFile:            getEnv("LOG_FILE", ""),
		DifyAPIKey:         getEnv("DIFY_API_KEY", ""),
		DifyAPIURL:         getEnv("DIFY_API_URL", ""),
		ExtractBackend:     getEnv("EXTRACT_BACKEND", "workflow"),
		WorkflowProxyURL:   getEnv("WORKFLOW_PROXY_URL", "http://localhost:8080/api"),
		WorkflowImageInput: getEnv("WORKFLOW_IMAGE_INPUT", "image"),
		WorkflowID:         getEnv("WORKFLOW_ID", ""),
		ClaudeAPIKey:       getEnv("CLAUDE_API_KEY", ""),
		ClaudeModel:        getEnv("CLAUDE_MODEL", "claude-sonnet-4-5"),
		OllamaHost:         getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:        getEnv("OLLAMA_MODEL", "moondream"),
	}
}

// Proxy returns the upstream credentials for the workflow proxy handlers.
func (c *Config) Proxy() proxy.Config {
	return proxy.Config{APIKey: c.DifyAPIKey, APIURL: c.DifyAPIURL}
}

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}
