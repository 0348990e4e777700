package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Xeros-AGiXT/Xeros/internal/auth"
	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

const (
	// EnvPath 指定配置文件路径的环境变量。
	EnvPath = "XEROS_CONFIG"
	// DefaultPath 是未设置环境变量时的配置文件路径。
	DefaultPath = "configs/xeros.json"
)

// Config 描述了 xerosd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Engine    EngineConfig    `json:"engine"`
	Cache     CacheConfig     `json:"cache"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Archive   ArchiveConfig   `json:"archive"`
	Retention RetentionConfig `json:"retention"`
	Handlers  HandlersConfig  `json:"handlers"`
	Logging   logger.Config   `json:"logging"`
	Alerting  AlertingConfig  `json:"alerting"`
	// Chains 是链路定义文件路径，支持 JSON 与 YAML。
	Chains string `json:"chains"`
}

// ServerConfig 控制 API 服务的监听地址与认证令牌。
type ServerConfig struct {
	Address                string             `json:"address"`
	APITokens              []auth.TokenConfig `json:"api_tokens"`
	ShutdownTimeoutSeconds int                `json:"shutdown_timeout_seconds"`
}

// ShutdownTimeout 返回优雅关闭的等待时间。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// EngineConfig 对应执行器策略与调度并发度。
type EngineConfig struct {
	StepTimeoutSeconds      int `json:"step_timeout_seconds"`
	ChainTimeoutSeconds     int `json:"chain_timeout_seconds"`
	MaxAttempts             int `json:"max_attempts"`
	RetryDelayMS            int `json:"retry_delay_ms"`
	MaxConcurrentTasks      int `json:"max_concurrent_tasks"`
	MaxConcurrentOperations int `json:"max_concurrent_operations"`
	CacheTTLSeconds         int `json:"cache_ttl_seconds"`
}

// StepTimeout 返回步骤默认超时。
func (c EngineConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// ChainTimeout 返回链路默认超时，零表示不限制。
func (c EngineConfig) ChainTimeout() time.Duration {
	return time.Duration(c.ChainTimeoutSeconds) * time.Second
}

// RetryDelay 返回重试间隔。
func (c EngineConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// CacheTTL 返回步骤结果默认缓存时长。
func (c EngineConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// CacheConfig 选择步骤结果缓存的实现。
type CacheConfig struct {
	// Driver 取值 memory、redis 或 none。
	Driver               string      `json:"driver"`
	SweepIntervalSeconds int         `json:"sweep_interval_seconds"`
	MaxEntries           int         `json:"max_entries"`
	Redis                RedisConfig `json:"redis"`
	Prefix               string      `json:"prefix"`
}

// SweepInterval 返回内存缓存的清理周期。
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// StorageConfig 统一描述持久化后端的连接信息。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 选择运行记录的存储实现。
type RunStoreConfig struct {
	// Driver 取值 memory 或 mysql。
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// ConnMaxLifetime 返回连接最长存活时间。
func (c RunStoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// QueueConfig 选择运行队列的实现。
type QueueConfig struct {
	// Driver 取值 memory、redis 或 rabbitmq。
	Driver   string              `json:"driver"`
	Size     int                 `json:"size"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述基于 Redis 列表的队列。
type RedisQueueConfig struct {
	RedisConfig
	Key              string `json:"key"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// BlockWait 返回 BRPOP 的阻塞时长。
func (c RedisQueueConfig) BlockWait() time.Duration {
	return time.Duration(c.BlockWaitSeconds) * time.Second
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列。
type RabbitMQQueueConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// ArchiveConfig 配置运行记录归档到对象存储，未启用时过期运行直接删除。
type ArchiveConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`
	UseSSL    bool   `json:"use_ssl"`
}

// RetentionConfig 控制终态运行的保留时长。
type RetentionConfig struct {
	MaxAgeHours          int `json:"max_age_hours"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
}

// MaxAge 返回保留时长。
func (c RetentionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// SweepInterval 返回清理周期。
func (c RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// HandlersConfig 配置可选的步骤处理器。
type HandlersConfig struct {
	Shell     ShellHandlerConfig     `json:"shell"`
	EVM       EVMHandlerConfig       `json:"evm"`
	LLM       LLMHandlerConfig       `json:"llm"`
	Knowledge KnowledgeHandlerConfig `json:"knowledge"`
}

// ShellHandlerConfig 控制 shell 处理器，默认关闭。
type ShellHandlerConfig struct {
	Enabled         bool     `json:"enabled"`
	AllowedCommands []string `json:"allowed_commands"`
	WorkDir         string   `json:"work_dir"`
	MaxOutputBytes  int      `json:"max_output_bytes"`
}

// EVMHandlerConfig 配置链上只读检查。
type EVMHandlerConfig struct {
	Enabled        bool   `json:"enabled"`
	RPCURL         string `json:"rpc_url"`
	NetworksFile   string `json:"networks_file"`
	DefaultNetwork string `json:"default_network"`
}

// LLMHandlerConfig 配置大模型调用。APIKey 为空时读取 APIKeyEnv 指定的环境变量。
type LLMHandlerConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// Timeout 返回单次请求超时。
func (c LLMHandlerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 返回实际使用的 API Key。
func (c LLMHandlerConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// KnowledgeHandlerConfig 配置静态知识库。
type KnowledgeHandlerConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// AlertingConfig 配置运行失败时的告警渠道，日志渠道始终开启。
type AlertingConfig struct {
	DingTalkWebhook       string `json:"dingtalk_webhook"`
	SlackWebhook          string `json:"slack_webhook"`
	SlackChannel          string `json:"slack_channel"`
	WebhookTimeoutSeconds int    `json:"webhook_timeout_seconds"`
}

// WebhookTimeout 返回 Webhook 请求超时。
func (c AlertingConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// Path 返回应加载的配置文件路径。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}

	var cfg Config
	decoder := json.NewDecoder(strings.NewReader(string(content)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，相对路径基于 baseDir 解析。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if c.Engine.StepTimeoutSeconds <= 0 {
		c.Engine.StepTimeoutSeconds = 30
	}
	if c.Engine.ChainTimeoutSeconds < 0 {
		c.Engine.ChainTimeoutSeconds = 0
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.RetryDelayMS <= 0 {
		c.Engine.RetryDelayMS = 1000
	}
	if c.Engine.MaxConcurrentTasks <= 0 {
		c.Engine.MaxConcurrentTasks = 4
	}
	if c.Engine.MaxConcurrentOperations <= 0 {
		c.Engine.MaxConcurrentOperations = 2
	}
	if c.Engine.CacheTTLSeconds < 0 {
		c.Engine.CacheTTLSeconds = 0
	}

	c.Cache.Driver = normalise(c.Cache.Driver, "memory")
	if c.Cache.SweepIntervalSeconds <= 0 {
		c.Cache.SweepIntervalSeconds = 60
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 10000
	}

	c.Storage.RunStore.Driver = normalise(c.Storage.RunStore.Driver, "memory")
	c.Queue.Driver = normalise(c.Queue.Driver, "memory")
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}

	if c.Retention.MaxAgeHours <= 0 {
		c.Retention.MaxAgeHours = 24
	}
	if c.Retention.SweepIntervalMinutes <= 0 {
		c.Retention.SweepIntervalMinutes = 60
	}

	if c.Handlers.LLM.APIKeyEnv == "" {
		c.Handlers.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Handlers.LLM.TimeoutSeconds <= 0 {
		c.Handlers.LLM.TimeoutSeconds = 60
	}
	if c.Handlers.Knowledge.MaxResults <= 0 {
		c.Handlers.Knowledge.MaxResults = 3
	}
	c.Handlers.Knowledge.Path = resolve(baseDir, c.Handlers.Knowledge.Path)
	c.Handlers.EVM.NetworksFile = resolve(baseDir, c.Handlers.EVM.NetworksFile)
	c.Handlers.Shell.WorkDir = resolve(baseDir, c.Handlers.Shell.WorkDir)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Chains == "" {
		c.Chains = "chains.json"
	}
	c.Chains = resolve(baseDir, c.Chains)
}

// Validate 校验枚举字段与必填项。
func (c *Config) Validate() error {
	checks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"cache.driver", c.Cache.Driver, []string{"memory", "redis", "none"}},
		{"storage.run_store.driver", c.Storage.RunStore.Driver, []string{"memory", "mysql"}},
		{"queue.driver", c.Queue.Driver, []string{"memory", "redis", "rabbitmq"}},
		{"logging.format", strings.ToLower(c.Logging.Format), []string{"json", "text"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("%s 取值 %q 无效，可选: %s", check.field, check.value, strings.Join(check.allowed, ", ")))
		}
	}

	switch {
	case c.Storage.RunStore.Driver == "mysql" && strings.TrimSpace(c.Storage.RunStore.DSN) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "storage.run_store.dsn 不能为空")
	case c.Cache.Driver == "redis" && strings.TrimSpace(c.Cache.Redis.Address) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "cache.redis.address 不能为空")
	case c.Queue.Driver == "redis" && strings.TrimSpace(c.Queue.Redis.Address) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "queue.redis.address 不能为空")
	case c.Queue.Driver == "rabbitmq" && strings.TrimSpace(c.Queue.RabbitMQ.URL) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "queue.rabbitmq.url 不能为空")
	case c.Handlers.EVM.Enabled && c.Handlers.EVM.RPCURL == "" && c.Handlers.EVM.NetworksFile == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "handlers.evm 需要 rpc_url 或 networks_file")
	}
	return nil
}

func normalise(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
