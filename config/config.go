package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 汇总进程启动时加载的全部配置，构造后只读。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	LLM       LLMConfig       `mapstructure:"llm"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Context   ContextConfig   `mapstructure:"context"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Usage     UsageConfig     `mapstructure:"usage"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Mode           string   `mapstructure:"mode"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	RateLimitQPS   float64  `mapstructure:"rate_limit_qps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig Driver 为空时根据 DSN 推断。
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig JWTSecret 为空时不校验令牌，用户 ID 取自请求体。
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	UserClaim string `mapstructure:"user_claim"`
}

type LLMConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	TextModel       string        `mapstructure:"text_model"`
	VisionModel     string        `mapstructure:"vision_model"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	VisionMaxTokens int           `mapstructure:"vision_max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CatalogFile     string        `mapstructure:"catalog_file"`
}

type OCRConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Language string        `mapstructure:"language"`
}

// RetrievalConfig Backend 取值 http、qdrant 或 none。
type RetrievalConfig struct {
	Backend      string        `mapstructure:"backend"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TopK         int           `mapstructure:"top_k"`
	Rerank       bool          `mapstructure:"rerank"`
	MaxSnippets  int           `mapstructure:"max_snippets"`
	SnippetChars int           `mapstructure:"snippet_chars"`
}

type KnowledgeConfig struct {
	QdrantURL         string `mapstructure:"qdrant_url"`
	QdrantAPIKey      string `mapstructure:"qdrant_api_key"`
	Collection        string `mapstructure:"collection"`
	VectorSize        int    `mapstructure:"vector_size"`
	EmbeddingBaseURL  string `mapstructure:"embedding_base_url"`
	EmbeddingAPIKey   string `mapstructure:"embedding_api_key"`
	EmbeddingModel    string `mapstructure:"embedding_model"`
	EmbeddingMaxBatch int    `mapstructure:"embedding_max_batch"`
	ChunkMaxChars     int    `mapstructure:"chunk_max_chars"`
	ChunkMinChars     int    `mapstructure:"chunk_min_chars"`
}

// StorageConfig Endpoint 为空时关闭对象存储。
type StorageConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	AccessKey  string        `mapstructure:"access_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	Bucket     string        `mapstructure:"bucket"`
	Region     string        `mapstructure:"region"`
	UseSSL     bool          `mapstructure:"use_ssl"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

// ContextConfig 控制提示词组装时各层上下文的规模。
type ContextConfig struct {
	HistoryLimit      int           `mapstructure:"history_limit"`
	MemoryEntries     int           `mapstructure:"memory_entries"`
	MemoryEntryChars  int           `mapstructure:"memory_entry_chars"`
	MemoryTokenBudget int           `mapstructure:"memory_token_budget"`
	CharsPerToken     int           `mapstructure:"chars_per_token"`
	MemoryTimeout     time.Duration `mapstructure:"memory_timeout"`
	DocumentMaxChars  int           `mapstructure:"document_max_chars"`
}

type MemoryConfig struct {
	AutoCapture bool          `mapstructure:"auto_capture"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// UsageConfig DailyLimit 为 0 表示不限额。
type UsageConfig struct {
	Window     time.Duration `mapstructure:"window"`
	DailyLimit int64         `mapstructure:"daily_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_qps", 0.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "file:orcha.db?_busy_timeout=5000")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.user_claim", "user_id")

	v.SetDefault("llm.base_url", "http://localhost:1234/v1")
	v.SetDefault("llm.api_key", "lm-studio")
	v.SetDefault("llm.text_model", "")
	v.SetDefault("llm.vision_model", "llava-v1.6-34b")
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.vision_max_tokens", 1024)
	v.SetDefault("llm.timeout", 500*time.Second)
	v.SetDefault("llm.catalog_file", "")

	v.SetDefault("ocr.base_url", "http://localhost:8001")
	v.SetDefault("ocr.timeout", 60*time.Second)
	v.SetDefault("ocr.language", "en")

	v.SetDefault("retrieval.backend", "http")
	v.SetDefault("retrieval.base_url", "http://localhost:8002")
	v.SetDefault("retrieval.timeout", 15*time.Second)
	v.SetDefault("retrieval.top_k", 8)
	v.SetDefault("retrieval.rerank", true)
	v.SetDefault("retrieval.max_snippets", 4)
	v.SetDefault("retrieval.snippet_chars", 800)

	v.SetDefault("knowledge.qdrant_url", "http://localhost:6333")
	v.SetDefault("knowledge.qdrant_api_key", "")
	v.SetDefault("knowledge.collection", "orcha_documents")
	v.SetDefault("knowledge.vector_size", 1024)
	v.SetDefault("knowledge.embedding_base_url", "")
	v.SetDefault("knowledge.embedding_api_key", "")
	v.SetDefault("knowledge.embedding_model", "text-embedding-v4")
	v.SetDefault("knowledge.embedding_max_batch", 16)
	v.SetDefault("knowledge.chunk_max_chars", 800)
	v.SetDefault("knowledge.chunk_min_chars", 400)

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "orcha-attachments")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.presign_ttl", 15*time.Minute)

	v.SetDefault("context.history_limit", 10)
	v.SetDefault("context.memory_entries", 5)
	v.SetDefault("context.memory_entry_chars", 2000)
	v.SetDefault("context.memory_token_budget", 1000)
	v.SetDefault("context.chars_per_token", 4)
	v.SetDefault("context.memory_timeout", 2*time.Second)
	v.SetDefault("context.document_max_chars", 20000)

	v.SetDefault("memory.auto_capture", true)
	v.SetDefault("memory.cache_ttl", 30*time.Second)

	v.SetDefault("usage.window", 24*time.Hour)
	v.SetDefault("usage.daily_limit", 0)
}

// Load 读取默认值、可选的 YAML 文件以及 ORCHA_ 前缀的环境变量。
// path 为空时仅使用默认值和环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.LLM.BaseURL = strings.TrimRight(strings.TrimSpace(c.LLM.BaseURL), "/")
	c.OCR.BaseURL = strings.TrimRight(strings.TrimSpace(c.OCR.BaseURL), "/")
	c.Retrieval.BaseURL = strings.TrimRight(strings.TrimSpace(c.Retrieval.BaseURL), "/")
	c.Retrieval.Backend = strings.ToLower(strings.TrimSpace(c.Retrieval.Backend))
	c.Knowledge.QdrantURL = strings.TrimRight(strings.TrimSpace(c.Knowledge.QdrantURL), "/")
	if c.Knowledge.EmbeddingBaseURL == "" {
		c.Knowledge.EmbeddingBaseURL = c.LLM.BaseURL
	}
	if c.Knowledge.EmbeddingAPIKey == "" {
		c.Knowledge.EmbeddingAPIKey = c.LLM.APIKey
	}
	origins := make([]string, 0, len(c.Server.CORSOrigins))
	for _, origin := range c.Server.CORSOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Server.CORSOrigins = origins
}

// Validate 检查无法运行的配置组合。
func (c *Config) Validate() error {
	var errs []error
	if c.Context.HistoryLimit <= 0 {
		errs = append(errs, errors.New("context.history_limit must be positive"))
	}
	if c.Context.MemoryEntries < 0 {
		errs = append(errs, errors.New("context.memory_entries must not be negative"))
	}
	if c.Context.CharsPerToken <= 0 {
		errs = append(errs, errors.New("context.chars_per_token must be positive"))
	}
	if c.Usage.Window <= 0 {
		errs = append(errs, errors.New("usage.window must be positive"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm.timeout must be positive"))
	}
	switch c.Retrieval.Backend {
	case "http", "qdrant", "none":
	default:
		errs = append(errs, fmt.Errorf("retrieval.backend %q is not one of http, qdrant, none", c.Retrieval.Backend))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// RetrievalEnabled 报告是否配置了检索后端。
func (c *Config) RetrievalEnabled() bool {
	return c.Retrieval.Backend != "" && c.Retrieval.Backend != "none"
}
