package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the process-wide configuration for k8sops.
type Config struct {
	// LLM settings
	Provider    string  `json:"provider,omitempty"`    // anthropic, openai, ollama
	ModelName   string  `json:"model_name,omitempty"`  // default model name
	Temperature float32 `json:"temperature"`           // sampling temperature
	APIKey      string  `json:"api_key,omitempty"`     // API key for the selected provider
	BaseURL     string  `json:"base_url,omitempty"`    // optional override for API base URL

	// MCP settings
	MCPServerURL string   `json:"mcp_server_url,omitempty"` // for HTTP transport
	MCPTransport string   `json:"mcp_transport,omitempty"`  // "stdio" or "http"
	MCPSSLVerify bool     `json:"mcp_ssl_verify"`           // verify TLS certs on HTTP transport
	MCPCommand   string   `json:"mcp_command,omitempty"`    // for stdio transport
	MCPArgs      []string `json:"mcp_args,omitempty"`

	// Session settings
	UserID      string `json:"user_id,omitempty"`
	MaxSessions int    `json:"max_sessions"` // retention cap per user
	StorePath   string `json:"store_path,omitempty"`

	Memory MemorySettings `json:"memory"`
}

// MemorySettings configures the long-term memory subsystem.
type MemorySettings struct {
	UseLongTerm        bool    `json:"use_long_term"`
	DataDir            string  `json:"data_dir,omitempty"` // chromem persistence directory
	EmbeddingBaseURL   string  `json:"embedding_base_url,omitempty"`
	EmbeddingAPIKey    string  `json:"embedding_api_key,omitempty"`
	EmbeddingModel     string  `json:"embedding_model,omitempty"`
	MaxContextTokens   int     `json:"max_context_tokens"`
	ContextThreshold   float64 `json:"context_threshold"` // fraction of max before summarizing
	KeepRecent         int     `json:"keep_recent"`       // messages kept verbatim when summarizing
	ExtractionInterval int     `json:"extraction_interval"`
	MaxMemories        int     `json:"max_memories"` // retrieval result cap
}

// Default returns a Config with sensible defaults applied.
func Default() *Config {
	return &Config{
		Provider:     "anthropic",
		ModelName:    "claude-sonnet-4-20250514",
		Temperature:  0.0,
		MCPTransport: "http",
		MCPSSLVerify: false,
		UserID:       "default",
		MaxSessions:  10,
		Memory: MemorySettings{
			MaxContextTokens:   100000,
			ContextThreshold:   0.8,
			KeepRecent:         4,
			ExtractionInterval: 5,
			MaxMemories:        5,
		},
	}
}

// FromEnv overlays environment variables onto the defaults. Used by the CLI;
// the library accepts an explicit Config.
func FromEnv() *Config {
	return OverlayEnv(Default())
}

// OverlayEnv applies environment variables on top of cfg and returns it.
// Unset variables leave the underlying value alone, so a file-loaded config
// can sit beneath the environment.
func OverlayEnv(cfg *Config) *Config {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.ModelName = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Temperature = float32(f)
		}
	}

	if v := os.Getenv("MCP_SERVER_URL"); v != "" {
		cfg.MCPServerURL = v
	}
	if v := os.Getenv("MCP_TRANSPORT"); v != "" {
		cfg.MCPTransport = v
	}
	if v := os.Getenv("MCP_SSL_VERIFY"); v != "" {
		cfg.MCPSSLVerify = v == "true" || v == "1"
	}
	if v := os.Getenv("MCP_COMMAND"); v != "" {
		cfg.MCPCommand = v
	}
	if v := os.Getenv("MCP_ARGS"); v != "" {
		cfg.MCPArgs = strings.Fields(v)
	}

	if v := os.Getenv("K8SOPS_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("K8SOPS_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("K8SOPS_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}

	if v := os.Getenv("MEMORY_LONG_TERM"); v != "" {
		cfg.Memory.UseLongTerm = v == "true" || v == "1"
	}
	if v := os.Getenv("MEMORY_DATA_DIR"); v != "" {
		cfg.Memory.DataDir = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Memory.EmbeddingBaseURL = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Memory.EmbeddingAPIKey = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Memory.EmbeddingModel = v
	}

	return cfg
}
