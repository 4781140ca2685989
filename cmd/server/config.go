package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NexionisJake/Synapse-sub001/internal/handlers"
	"github.com/NexionisJake/Synapse-sub001/internal/services"
	"github.com/NexionisJake/Synapse-sub001/internal/stream"
)

const defaultSystemPrompt = "You are Synapse, a thoughtful assistant that runs entirely on the user's machine. " +
	"Answer clearly and concisely, and say so when you are unsure."

type llmConfig interface {
	llm(retry services.RetryPolicy, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port           string               `yaml:"port"`
	DBPath         string               `yaml:"dbPath"`
	SystemPrompt   string               `yaml:"systemPrompt"`
	InsightPrompt  string               `yaml:"insightPrompt"`
	InjectInsights int                  `yaml:"injectInsights"`
	LLM            llmConfig            `yaml:"llm"`
	Stream         streamConfig         `yaml:"stream"`
	Retry          services.RetryPolicy `yaml:"retry"`
	Log            logConfig            `yaml:"log"`
}

type streamConfig struct {
	stream.Config     `yaml:",inline"`
	stream.PoolConfig `yaml:",inline"`
}

type logConfig struct {
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string         `yaml:"host"`
	Options       map[string]any `yaml:"options"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string   `yaml:"apiKey"`
	BaseURL       string   `yaml:"baseURL"`
	Temperature   *float32 `yaml:"temperature"`
}

func defaultConfig() config {
	return config{
		Port:         "8080",
		SystemPrompt: defaultSystemPrompt,
		LLM: &ollamaConfig{
			BaseLLMConfig: BaseLLMConfig{Provider: "ollama", Model: "llama3.2"},
		},
		Stream: streamConfig{
			Config: stream.Config{Timeout: stream.DefaultTimeout},
		},
		Retry: services.DefaultRetryPolicy(),
		Log:   logConfig{Format: "text"},
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	// Fields absent from the document keep their current values.
	rawConfig := struct {
		Port           string               `yaml:"port"`
		DBPath         string               `yaml:"dbPath"`
		SystemPrompt   string               `yaml:"systemPrompt"`
		InsightPrompt  string               `yaml:"insightPrompt"`
		InjectInsights int                  `yaml:"injectInsights"`
		LLM            map[string]any       `yaml:"llm"`
		Stream         streamConfig         `yaml:"stream"`
		Retry          services.RetryPolicy `yaml:"retry"`
		Log            logConfig            `yaml:"log"`
	}{
		Port:           c.Port,
		DBPath:         c.DBPath,
		SystemPrompt:   c.SystemPrompt,
		InsightPrompt:  c.InsightPrompt,
		InjectInsights: c.InjectInsights,
		Stream:         c.Stream,
		Retry:          c.Retry,
		Log:            c.Log,
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DBPath = rawConfig.DBPath
	c.SystemPrompt = rawConfig.SystemPrompt
	c.InsightPrompt = rawConfig.InsightPrompt
	c.InjectInsights = rawConfig.InjectInsights
	c.Stream = rawConfig.Stream
	c.Retry = rawConfig.Retry
	c.Log = rawConfig.Log

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openaiConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

// loadConfig reads the YAML file at path over the defaults. A missing file leaves the defaults in place.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return config{}, err
	}
	return cfg, cfg.validate()
}

func (c *config) applyEnv() error {
	if v := os.Getenv("SYNAPSE_STREAM_TIMEOUT"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid SYNAPSE_STREAM_TIMEOUT %q: want a positive number of seconds", v)
		}
		c.Stream.Timeout = time.Duration(secs * float64(time.Second))
	}
	return nil
}

func (c config) validate() error {
	if c.Stream.Timeout < 0 || c.Stream.FallbackTimeout < 0 || c.Stream.KeepAlive < 0 {
		return fmt.Errorf("stream durations must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must not be negative")
	}
	if c.InjectInsights < 0 {
		return fmt.Errorf("injectInsights must not be negative")
	}
	switch c.Log.Format {
	case "", "text", "json", "pretty":
	default:
		return fmt.Errorf("unknown log format: %s", c.Log.Format)
	}
	return nil
}

func (o ollamaConfig) llm(retry services.RetryPolicy, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	ollama, err := services.NewOllama(host, o.Model, o.Options, retry, logger)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func (o openaiConfig) llm(retry services.RetryPolicy, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	openai, err := services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Temperature, retry, logger)
	if err != nil {
		return nil, err
	}
	return openai, nil
}
