// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Normalizer    NormalizerConfig    `mapstructure:"normalizer"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig 仅在 vector_store.driver=pgvector 时使用。
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// JWTConfig 存储租户令牌校验相关的配置。令牌由外部认证服务签发。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型及批处理相关的配置。
type EmbeddingConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Dimensions     int           `mapstructure:"dimensions"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchDelay     time.Duration `mapstructure:"batch_delay"`
	MaxInputTokens int           `mapstructure:"max_input_tokens"`
	PricePer1K     float64       `mapstructure:"price_per_1k"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// VectorStoreConfig 选择向量索引后端并配置其生命周期参数。
type VectorStoreConfig struct {
	Driver            string        `mapstructure:"driver"` // elasticsearch | pgvector | memory
	IndexName         string        `mapstructure:"index_name"`
	Dimensions        int           `mapstructure:"dimensions"`
	Metric            string        `mapstructure:"metric"`
	MaxReadyAttempts  int           `mapstructure:"max_ready_attempts"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// ChunkingConfig 存储文本切块参数（字符预算）。
type ChunkingConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
	Overlap   int `mapstructure:"overlap"`
}

// RetrievalConfig 存储检索与上下文拼装参数。
type RetrievalConfig struct {
	TopK             int  `mapstructure:"top_k"`
	MaxContextLength int  `mapstructure:"max_context_length"`
	FailOpen         bool `mapstructure:"fail_open"`
}

// IngestConfig 控制上传处理方式与上传配额。
type IngestConfig struct {
	Async              bool  `mapstructure:"async"`
	MaxFileSize        int64 `mapstructure:"max_file_size"`
	MaxFilesPerRequest int   `mapstructure:"max_files_per_request"`
}

// NormalizerConfig 控制文档解析能力。
type NormalizerConfig struct {
	EnablePDF bool `mapstructure:"enable_pdf"`
}

// setDefaults 为所有可选项设置默认值。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "document-ingest")
	v.SetDefault("kafka.group_id", "chatbot-rag-ingest")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.batch_delay", 100*time.Millisecond)
	v.SetDefault("embedding.max_input_tokens", 8000)
	v.SetDefault("embedding.price_per_1k", 0.00002)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("vector_store.driver", "elasticsearch")
	v.SetDefault("vector_store.index_name", "knowledge_chunks")
	v.SetDefault("vector_store.dimensions", 1536)
	v.SetDefault("vector_store.metric", "cosine")
	v.SetDefault("vector_store.max_ready_attempts", 30)
	v.SetDefault("vector_store.ready_poll_interval", time.Second)
	v.SetDefault("vector_store.timeout", 15*time.Second)
	v.SetDefault("chunking.chunk_size", 1000)
	v.SetDefault("chunking.overlap", 200)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.max_context_length", 4000)
	v.SetDefault("retrieval.fail_open", true)
	v.SetDefault("ingest.max_file_size", 10*1024*1024)
	v.SetDefault("ingest.max_files_per_request", 10)
}

// Load 从指定路径读取 YAML 文件并返回解析后的配置。
// 环境变量优先于文件（例如 EMBEDDING_API_KEY 覆盖 embedding.api_key）。
func Load(configPath string) (*Config, error) {
	// .env 是可选的，缺失时直接忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// Init 初始化配置加载，并写入全局 Conf 变量。失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
