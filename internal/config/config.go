package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"PricingFlow/pkg/logger"
)

// 环境变量。密钥类配置优先从环境变量读取。
const (
	EnvConfigPath    = "PRICINGFLOW_CONFIG"
	EnvRedisPassword = "PRICINGFLOW_REDIS_PASSWORD"
	EnvLLMAPIKey     = "PRICINGFLOW_LLM_API_KEY"
	EnvMySQLDSN      = "PRICINGFLOW_MYSQL_DSN"
	EnvSSHPassword   = "PRICINGFLOW_SSH_PASSWORD"
)

// DefaultPath 是未指定时使用的配置文件。
const DefaultPath = "configs/pricingflow.json"

// Config 描述了 PricingFlow 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	MySQL    MySQLConfig    `json:"mysql" yaml:"mysql"`
	SSH      SSHConfig      `json:"ssh" yaml:"ssh"`
	Shell    ShellConfig    `json:"shell" yaml:"shell"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Workflow WorkflowConfig `json:"workflow" yaml:"workflow"`
	Skills   SkillsConfig   `json:"skills" yaml:"skills"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	SyncTimeoutSec int    `json:"sync_timeout_seconds" yaml:"sync_timeout_seconds"`
}

// CacheConfig 描述 Redis 缓存。Address 为空时直接使用内存缓存。
type CacheConfig struct {
	Address        string `json:"address" yaml:"address"`
	Password       string `json:"password" yaml:"password"`
	DB             int    `json:"db" yaml:"db"`
	DialTimeoutSec int    `json:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
	DefaultTTLSec  int    `json:"default_ttl_seconds" yaml:"default_ttl_seconds"`
	MaxEntries     int    `json:"max_entries" yaml:"max_entries"`
}

// MySQLConfig 描述定价库连接。DSN 为空时不启用数据库连接器。
type MySQLConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	AutoMigrate  bool   `json:"auto_migrate" yaml:"auto_migrate"`
	QueryTTLSec  int    `json:"query_ttl_seconds" yaml:"query_ttl_seconds"`
}

// SSHConfig 描述远程 shell 主机。Host 为空时不启用 shell 连接器。
type SSHConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	User           string `json:"user" yaml:"user"`
	Password       string `json:"password" yaml:"password"`
	PrivateKeyPath string `json:"private_key_path" yaml:"private_key_path"`
	KnownHostsPath string `json:"known_hosts_path" yaml:"known_hosts_path"`
	DialTimeoutSec int    `json:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
}

// ShellConfig 描述远程主机上的定价作业布局。
type ShellConfig struct {
	LogDir        string `json:"log_dir" yaml:"log_dir"`
	JobPattern    string `json:"job_pattern" yaml:"job_pattern"`
	RestartScript string `json:"restart_script" yaml:"restart_script"`
	TailLines     int    `json:"tail_lines" yaml:"tail_lines"`
	CacheTTLSec   int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	// Provider 取值 endpoint、openai 或 python_bridge。
	Provider    string             `json:"provider" yaml:"provider"`
	Endpoint    EndpointConfig     `json:"endpoint" yaml:"endpoint"`
	OpenAI      OpenAIConfig       `json:"openai" yaml:"openai"`
	Python      PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
	Fallback    string             `json:"fallback" yaml:"fallback"`
	TimeoutSec  int                `json:"timeout_seconds" yaml:"timeout_seconds"`
	CacheTTLSec int                `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

// EndpointConfig 描述单一 JSON 推理端点。
type EndpointConfig struct {
	URL    string `json:"url" yaml:"url"`
	APIKey string `json:"api_key" yaml:"api_key"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// WorkflowConfig 控制规划、执行与合成阶段的 token 预算。
type WorkflowConfig struct {
	PlanningBudget   int `json:"planning_budget" yaml:"planning_budget"`
	ResponseBudget   int `json:"response_budget" yaml:"response_budget"`
	SynthesisBudget  int `json:"synthesis_budget" yaml:"synthesis_budget"`
	ContextThreshold int `json:"context_threshold_chars" yaml:"context_threshold_chars"`
	ContextBudget    int `json:"context_budget" yaml:"context_budget"`
	CompressTTLSec   int `json:"compress_ttl_seconds" yaml:"compress_ttl_seconds"`
}

// SkillsConfig 指定技能包目录、智能体注册表与运行手册文件，都可以为空。
type SkillsConfig struct {
	Dir         string `json:"dir" yaml:"dir"`
	AgentsFile  string `json:"agents_file" yaml:"agents_file"`
	CacheTTLSec int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	Runbook     string `json:"runbook" yaml:"runbook"`
	// RunbookMaxResults 限制每个步骤附加的运行手册条目数。
	RunbookMaxResults int `json:"runbook_max_results" yaml:"runbook_max_results"`
}

// QueueConfig 描述异步执行队列。
type QueueConfig struct {
	// Driver 取值 memory、redis 或 rabbitmq。
	Driver        string         `json:"driver" yaml:"driver"`
	Size          int            `json:"size" yaml:"size"`
	Workers       int            `json:"workers" yaml:"workers"`
	TimeoutSec    int            `json:"execution_timeout_seconds" yaml:"execution_timeout_seconds"`
	RecordTTLHour int            `json:"record_ttl_hours" yaml:"record_ttl_hours"`
	Redis         RedisQueue     `json:"redis" yaml:"redis"`
	RabbitMQ      RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueue 描述 Redis list 队列。
type RedisQueue struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Queue    string `json:"queue" yaml:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// LoggingConfig 对应 logger.Config。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 对应 logger.AuditConfig。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// Logger 转换为日志包的配置。
func (l LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: append([]string(nil), l.OutputPaths...),
		Audit: logger.AuditConfig{
			Enabled:    l.Audit.Enabled,
			Path:       l.Audit.Path,
			MaxSizeMB:  l.Audit.MaxSizeMB,
			MaxBackups: l.Audit.MaxBackups,
			MaxAgeDays: l.Audit.MaxAgeDays,
		},
	}
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Log             bool   `json:"log" yaml:"log"`
	SlackWebhook    string `json:"slack_webhook" yaml:"slack_webhook"`
	DingTalkWebhook string `json:"dingtalk_webhook" yaml:"dingtalk_webhook"`
}

// Seconds 把以秒为单位的整数转换为 time.Duration。
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ResolvePath 返回配置文件路径：显式参数优先，其次是环境变量，最后是默认路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 解析指定路径的配置文件。扩展名为 .yaml 或 .yml 时按 YAML 解析，否则按 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只依赖内存后端的默认配置。
func Default() *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults(".")
	return &cfg
}

// Validate 检查枚举类字段。
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "endpoint", "openai", "python_bridge":
	default:
		return fmt.Errorf("不支持的 llm.provider: %q", c.LLM.Provider)
	}
	switch c.LLM.Fallback {
	case "canned", "none":
	default:
		return fmt.Errorf("不支持的 llm.fallback: %q", c.LLM.Fallback)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的 queue.driver: %q", c.Queue.Driver)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Cache.Password = v
		if c.Queue.Redis.Password == "" {
			c.Queue.Redis.Password = v
		}
	}
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		c.LLM.Endpoint.APIKey = v
		c.LLM.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvMySQLDSN); v != "" {
		c.MySQL.DSN = v
	}
	if v := os.Getenv(EnvSSHPassword); v != "" {
		c.SSH.Password = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.SyncTimeoutSec <= 0 {
		c.Server.SyncTimeoutSec = 120
	}

	if c.Cache.DialTimeoutSec <= 0 {
		c.Cache.DialTimeoutSec = 2
	}
	if c.Cache.DefaultTTLSec <= 0 {
		c.Cache.DefaultTTLSec = 3600
	}

	if c.MySQL.QueryTTLSec <= 0 {
		c.MySQL.QueryTTLSec = 300
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.DialTimeoutSec <= 0 {
		c.SSH.DialTimeoutSec = 10
	}
	if c.Shell.CacheTTLSec <= 0 {
		c.Shell.CacheTTLSec = 60
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "endpoint"
	}
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	if c.LLM.Fallback == "" {
		c.LLM.Fallback = "canned"
	}
	c.LLM.Fallback = strings.ToLower(c.LLM.Fallback)
	if c.LLM.Endpoint.URL == "" {
		c.LLM.Endpoint.URL = "http://localhost:8000/generate"
	}
	if c.LLM.TimeoutSec <= 0 {
		c.LLM.TimeoutSec = 30
	}
	if c.LLM.CacheTTLSec <= 0 {
		c.LLM.CacheTTLSec = 3600
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir, baseDir)

	if c.Workflow.PlanningBudget <= 0 {
		c.Workflow.PlanningBudget = 500
	}
	if c.Workflow.ResponseBudget <= 0 {
		c.Workflow.ResponseBudget = 1000
	}
	if c.Workflow.SynthesisBudget <= 0 {
		c.Workflow.SynthesisBudget = 2000
	}
	if c.Workflow.ContextThreshold <= 0 {
		c.Workflow.ContextThreshold = 2000
	}
	if c.Workflow.ContextBudget <= 0 {
		c.Workflow.ContextBudget = 1000
	}
	if c.Workflow.CompressTTLSec <= 0 {
		c.Workflow.CompressTTLSec = 3600
	}

	if c.Skills.Dir != "" {
		c.Skills.Dir = resolve(baseDir, c.Skills.Dir, "")
	}
	if c.Skills.AgentsFile != "" {
		c.Skills.AgentsFile = resolve(baseDir, c.Skills.AgentsFile, "")
	}
	if c.Skills.CacheTTLSec <= 0 {
		c.Skills.CacheTTLSec = 86400
	}
	if c.Skills.Runbook != "" {
		c.Skills.Runbook = resolve(baseDir, c.Skills.Runbook, "")
	}
	if c.Skills.RunbookMaxResults <= 0 {
		c.Skills.RunbookMaxResults = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	c.Queue.Driver = strings.ToLower(c.Queue.Driver)
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.TimeoutSec <= 0 {
		c.Queue.TimeoutSec = 300
	}
	if c.Queue.RecordTTLHour <= 0 {
		c.Queue.RecordTTLHour = 24
	}
	if c.Queue.Redis.Address == "" {
		c.Queue.Redis.Address = c.Cache.Address
		c.Queue.Redis.DB = c.Cache.DB
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Summary 返回便于日志输出的关键配置，不包含任何密钥。
func (c *Config) Summary() map[string]string {
	return map[string]string{
		"server":       c.Server.Address,
		"cache":        orNone(c.Cache.Address),
		"mysql":        strconv.FormatBool(c.MySQL.DSN != ""),
		"ssh":          orNone(c.SSH.Host),
		"llm_provider": c.LLM.Provider,
		"llm_fallback": c.LLM.Fallback,
		"queue":        c.Queue.Driver,
		"workers":      strconv.Itoa(c.Queue.Workers),
	}
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
