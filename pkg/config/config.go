// Copyright 2025 The Lorekeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the platform configuration model.
//
// Configuration is layered: a YAML file with ${ENV:-default} expansion,
// overridden by environment variables. Every section has SetDefaults and
// Validate; Load applies both.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorekeep/lorekeep/pkg/logger"
)

// Config is the root configuration for the platform.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stores    StoresConfig    `yaml:"stores"`
	Models    ModelsConfig    `yaml:"models"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Voice     VoiceConfig     `yaml:"voice"`
	CacheTTL  CacheTTLConfig  `yaml:"cache_ttl"`
	Logging   logger.Config   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxUploadSize bounds multipart uploads in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxUploadSize == 0 {
		c.MaxUploadSize = 100 << 20 // 100 MB
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		// Streaming responses stay open well past a typical write timeout;
		// the chat handler manages its own deadlines.
		c.WriteTimeout = 0
	}
	if len(c.AllowedOrigins) == 0 {
		if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
			c.AllowedOrigins = strings.Split(origins, ",")
		}
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Port)
	}
	return nil
}

// StoresConfig points at the backing stores.
type StoresConfig struct {
	// DocumentStoreURL is the MongoDB connection string.
	DocumentStoreURL string `yaml:"document_store_url"`

	// DocumentStoreDB is the Mongo database name.
	DocumentStoreDB string `yaml:"document_store_db"`

	// CacheURL is the Redis connection string.
	CacheURL string `yaml:"cache_url"`

	// VectorStoreURL is the Qdrant host:port (gRPC).
	VectorStoreURL string `yaml:"vector_store_url"`
}

func (c *StoresConfig) SetDefaults() {
	c.DocumentStoreURL = envString("DOCUMENT_STORE_URL", defaultStr(c.DocumentStoreURL, "mongodb://localhost:27017"))
	if c.DocumentStoreDB == "" {
		c.DocumentStoreDB = "lorekeep"
	}
	c.CacheURL = envString("CACHE_URL", defaultStr(c.CacheURL, "redis://localhost:6379/0"))
	c.VectorStoreURL = envString("VECTOR_STORE_URL", defaultStr(c.VectorStoreURL, "localhost:6334"))
}

func (c *StoresConfig) Validate() error {
	if c.DocumentStoreURL == "" {
		return fmt.Errorf("document store URL is required")
	}
	if c.VectorStoreURL == "" {
		return fmt.Errorf("vector store URL is required")
	}
	return nil
}

// ModelsConfig selects the default models and their serving hosts.
type ModelsConfig struct {
	EmbeddingModel  string `yaml:"embedding_model"`
	RerankModel     string `yaml:"rerank_model"`
	LLMDefaultModel string `yaml:"llm_default_model"`

	// EmbeddingHost serves the embedding model (Ollama API).
	EmbeddingHost string `yaml:"embedding_host"`

	// RerankHost serves the cross-encoder; empty disables reranking.
	RerankHost string `yaml:"rerank_host"`

	// EmbeddingDimension is the vector size produced by the embedding model.
	EmbeddingDimension int `yaml:"embedding_dimension"`
}

func (c *ModelsConfig) SetDefaults() {
	c.EmbeddingModel = envString("EMBEDDING_MODEL", defaultStr(c.EmbeddingModel, "nomic-embed-text"))
	c.RerankModel = envString("RERANK_MODEL", c.RerankModel)
	c.LLMDefaultModel = envString("LLM_DEFAULT_MODEL", defaultStr(c.LLMDefaultModel, "llama3.1:8b"))
	c.EmbeddingHost = envString("EMBEDDING_HOST", defaultStr(c.EmbeddingHost, "http://localhost:11434"))
	c.RerankHost = envString("RERANK_HOST", c.RerankHost)
	if c.EmbeddingDimension == 0 {
		c.EmbeddingDimension = 768
	}
}

func (c *ModelsConfig) Validate() error {
	if c.EmbeddingModel == "" {
		return fmt.Errorf("embedding model is required")
	}
	if c.LLMDefaultModel == "" {
		return fmt.Errorf("default LLM model is required")
	}
	return nil
}

// CrawlerConfig controls crawl behaviour.
type CrawlerConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	PageTimeout    time.Duration `yaml:"page_timeout"`
	JSRender       bool          `yaml:"js_render"`

	// PerOriginRPS caps requests per origin per second.
	PerOriginRPS float64 `yaml:"per_origin_rps"`

	// MaxBodyBytes bounds a single fetched response.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

func (c *CrawlerConfig) SetDefaults() {
	c.MaxConcurrency = envInt("CRAWL_MAX_CONCURRENCY", defaultInt(c.MaxConcurrency, 8))
	c.PageTimeout = envDuration("CRAWL_PAGE_TIMEOUT", defaultDur(c.PageTimeout, 30*time.Second))
	c.JSRender = envBool("CRAWL_JS_RENDER", c.JSRender)
	if c.PerOriginRPS <= 0 {
		c.PerOriginRPS = 1.0
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20 // 10 MB
	}
}

func (c *CrawlerConfig) Validate() error {
	if c.MaxConcurrency < 1 || c.MaxConcurrency > 64 {
		return fmt.Errorf("crawl concurrency must be within [1, 64], got %d", c.MaxConcurrency)
	}
	return nil
}

// RateLimitConfig controls the inbound request gate.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	ReadPerMin  int  `yaml:"read_per_min"`
	WritePerMin int  `yaml:"write_per_min"`
	PerHour     int  `yaml:"per_hour"`
}

func (c *RateLimitConfig) SetDefaults() {
	c.ReadPerMin = envInt("RATE_LIMIT_READ_PER_MIN", defaultInt(c.ReadPerMin, 120))
	c.WritePerMin = envInt("RATE_LIMIT_WRITE_PER_MIN", defaultInt(c.WritePerMin, 30))
	c.PerHour = envInt("RATE_LIMIT_PER_HOUR", defaultInt(c.PerHour, 1000))
}

func (c *RateLimitConfig) Validate() error {
	if c.ReadPerMin < 0 || c.WritePerMin < 0 || c.PerHour < 0 {
		return fmt.Errorf("rate limits must be non-negative")
	}
	return nil
}

// VoiceConfig controls voice session policy and provider endpoints.
type VoiceConfig struct {
	SessionTimeout        time.Duration `yaml:"session_timeout"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`

	// STTHost and TTSHost are the speech provider endpoints. Empty
	// disables the respective capability.
	STTHost string `yaml:"stt_host"`
	TTSHost string `yaml:"tts_host"`
}

func (c *VoiceConfig) SetDefaults() {
	c.SessionTimeout = envDuration("VOICE_SESSION_TIMEOUT", defaultDur(c.SessionTimeout, 5*time.Minute))
	c.MaxConcurrentSessions = envInt("VOICE_MAX_CONCURRENT_SESSIONS", defaultInt(c.MaxConcurrentSessions, 50))
	c.STTHost = envString("STT_URL", c.STTHost)
	c.TTSHost = envString("TTS_URL", c.TTSHost)
}

func (c *VoiceConfig) Validate() error {
	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("voice session cap must be positive")
	}
	return nil
}

// CacheTTLConfig sets per-namespace cache lifetimes.
type CacheTTLConfig struct {
	LLMResults time.Duration `yaml:"llm_results"`
	Embeddings time.Duration `yaml:"embeddings"`
	Search     time.Duration `yaml:"search"`
	TTS        time.Duration `yaml:"tts"`
}

func (c *CacheTTLConfig) SetDefaults() {
	c.LLMResults = envDuration("CACHE_TTL_LLM_RESULTS", defaultDur(c.LLMResults, time.Hour))
	c.Embeddings = envDuration("CACHE_TTL_EMBEDDINGS", defaultDur(c.Embeddings, 24*time.Hour))
	c.Search = envDuration("CACHE_TTL_SEARCH", defaultDur(c.Search, 15*time.Minute))
	if c.TTS == 0 {
		c.TTS = 24 * time.Hour
	}
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Stores.SetDefaults()
	c.Models.SetDefaults()
	c.Crawler.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Voice.SetDefaults()
	c.CacheTTL.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Stores.Validate(); err != nil {
		return err
	}
	if err := c.Models.Validate(); err != nil {
		return err
	}
	if err := c.Crawler.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	return c.Voice.Validate()
}

// Load reads a YAML config file, expands environment references, applies
// defaults and validates. An empty path yields a pure-environment config.
func Load(path string) (*Config, error) {
	LoadDotEnv()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultStr(v, d string) string {
	if v != "" {
		return v
	}
	return d
}

func defaultInt(v, d int) int {
	if v != 0 {
		return v
	}
	return d
}

func defaultDur(v, d time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return d
}
