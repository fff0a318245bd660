package session

import (
	"fmt"

	"github.com/k8sops/k8sops/internal/config"
)

// Settings holds the per-session model and transport configuration.
type Settings struct {
	Provider    string // anthropic, openai, ollama
	ModelName   string
	Temperature float32

	MCPServerURL string
	MCPTransport string // "stdio" or "http"
	MCPSSLVerify bool
	MCPCommand   string
	MCPArgs      []string
}

// SettingsFromConfig derives session settings from the process config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Provider:     cfg.Provider,
		ModelName:    cfg.ModelName,
		Temperature:  cfg.Temperature,
		MCPServerURL: cfg.MCPServerURL,
		MCPTransport: cfg.MCPTransport,
		MCPSSLVerify: cfg.MCPSSLVerify,
		MCPCommand:   cfg.MCPCommand,
		MCPArgs:      cfg.MCPArgs,
	}
}

// ModelKey identifies the model configuration. The agent is rebuilt if and
// only if this key changes.
func (s Settings) ModelKey() string {
	return fmt.Sprintf("%s/%s/%g", s.Provider, s.ModelName, s.Temperature)
}

// SettingsUpdate carries optional settings changes; nil fields are left
// untouched. Only the model fields feed ModelKey; MCP fields take effect on
// the next connection without rebuilding the agent.
type SettingsUpdate struct {
	Provider    *string
	ModelName   *string
	Temperature *float32

	MCPServerURL *string
	MCPTransport *string
	MCPSSLVerify *bool
	MCPCommand   *string
	MCPArgs      []string
}

func (s *Settings) apply(update SettingsUpdate) {
	if update.Provider != nil {
		s.Provider = *update.Provider
	}
	if update.ModelName != nil {
		s.ModelName = *update.ModelName
	}
	if update.Temperature != nil {
		s.Temperature = *update.Temperature
	}
	if update.MCPServerURL != nil {
		s.MCPServerURL = *update.MCPServerURL
	}
	if update.MCPTransport != nil {
		s.MCPTransport = *update.MCPTransport
	}
	if update.MCPSSLVerify != nil {
		s.MCPSSLVerify = *update.MCPSSLVerify
	}
	if update.MCPCommand != nil {
		s.MCPCommand = *update.MCPCommand
	}
	if update.MCPArgs != nil {
		s.MCPArgs = append([]string(nil), update.MCPArgs...)
	}
}
