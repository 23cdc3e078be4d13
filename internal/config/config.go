package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Assistant AssistantConfig `yaml:"assistant"`
	Database  DatabaseConfig  `yaml:"database"`
	EmbedLLM  LLMConfig       `yaml:"embed_llm"`
	Suggest   LLMConfig       `yaml:"suggest_llm"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AssistantConfig points at the streaming assistant endpoint.
type AssistantConfig struct {
	URL             string `yaml:"url"`
	Key             string `yaml:"key"`
	MaxContextChars int    `yaml:"max_context_chars"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

// LLMConfig configures an OpenAI- or Ollama-compatible model endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Key     string `yaml:"key"`
	Model   string `yaml:"model"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
