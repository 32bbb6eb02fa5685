package config

import "time"

// LLMConfig configures the vision and text model calls.
type LLMConfig struct {
	Provider     string `yaml:"provider"` // gemini
	APIKey       string `yaml:"api_key"`
	VisionModel  string `yaml:"vision_model"`
	TextModel    string `yaml:"text_model"`
	StageTimeout string `yaml:"stage_timeout"` // per-stage hard deadline
}

// DefaultLLMConfig returns sensible defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:     "gemini",
		VisionModel:  "gemini-2.5-flash",
		TextModel:    "gemini-2.5-flash",
		StageTimeout: "30s",
	}
}

// Timeout returns the parsed per-stage deadline.
func (c LLMConfig) Timeout() time.Duration {
	return ParseTimeout(c.StageTimeout, 30*time.Second)
}
