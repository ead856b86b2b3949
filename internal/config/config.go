package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 Aegis 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig      `json:"server"`
	Storage    StorageConfig     `json:"storage"`
	Queue      QueueConfig       `json:"queue"`
	LLM        LLMConfig         `json:"llm"`
	Web3       Web3Config        `json:"web3"`
	Swarm      SwarmConfig       `json:"swarm"`
	Assets     AssetsConfig      `json:"assets"`
	Advisory   AdvisoryConfig    `json:"advisory"`
	Logging    LoggingConfig     `json:"logging"`
	Alerting   AlertingConfig    `json:"alerting"`
	Auth       AuthConfig        `json:"auth"`
	Principals []PrincipalConfig `json:"principals"`
	Runtime    RuntimeConfig     `json:"runtime"`
}

// PrincipalConfig 声明启动时注册的负责人及其策略。
type PrincipalConfig struct {
	Name     string           `json:"name"`
	Identity string           `json:"identity"`
	Policy   PolicyConfig     `json:"policy"`
	Agent    *AgentLoopConfig `json:"agent,omitempty"`
}

// PolicyConfig 是主体策略的配置文件表示。
type PolicyConfig struct {
	MaxPerOperation uint64   `json:"max_per_operation"`
	MaxPerHour      uint64   `json:"max_per_hour"`
	MinIntervalSecs int      `json:"min_interval_secs"`
	MaxCountPerHour int      `json:"max_count_per_hour"`
	AllowedPrograms []string `json:"allowed_programs,omitempty"`
	RequireDryRun   bool     `json:"require_dry_run"`
	MinConfidence   float64  `json:"min_confidence"`

	AllowTransfer      bool `json:"allow_transfer"`
	AllowAssetTransfer bool `json:"allow_asset_transfer"`
	AllowExchange      bool `json:"allow_exchange"`
	AllowStake         bool `json:"allow_stake"`
	AllowProgramCall   bool `json:"allow_program_call"`
}

// AgentLoopConfig 为单个负责人启用自治归集循环。
type AgentLoopConfig struct {
	Enabled      bool   `json:"enabled"`
	Destination  string `json:"destination"`
	Reserve      uint64 `json:"reserve"`
	MaxPerCycle  uint64 `json:"max_per_cycle"`
	IntervalSecs int    `json:"interval_secs"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
// MetricsAddress 非空时会额外启动独立的 /metrics 服务。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述 MySQL 等后端的连接信息。
type StorageConfig struct {
	ReviewStore ReviewStoreConfig `json:"review_store"`
}

// ReviewStoreConfig 选择审查存储的驱动，memory 或 mysql。
type ReviewStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 选择审查队列的驱动，memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	Queue         string `json:"queue"`
	BlockWaitSecs int    `json:"block_wait_secs"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置模型回退抽取的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述通过 OpenAI 接口完成抽取时所需的信息。
type OpenAIConfig struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url"`
	Model       string `json:"model"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成抽取时所需的信息。
type PythonBridgeConfig struct {
	Enabled          bool   `json:"enabled"`
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// Web3Config 包含访问区块链节点所需的连接与签名信息。
type Web3Config struct {
	ChainConfig  string   `json:"chain_config"`
	RPCURL       string   `json:"rpc_url"`
	DefaultChain string   `json:"default_chain"`
	Keys         []string `json:"keys"`
}

// SwarmConfig 配置多智能体共识层。
type SwarmConfig struct {
	Enabled        bool          `json:"enabled"`
	Quorum         float64       `json:"quorum"`
	NativeDecimals uint8         `json:"native_decimals"`
	Voters         []VoterConfig `json:"voters"`
}

// VoterConfig 描述一个投票人及其固定姿态。
type VoterConfig struct {
	Name      string  `json:"name"`
	Identity  string  `json:"identity"`
	Posture   string  `json:"posture"`
	Threshold float64 `json:"threshold"`
}

// AssetsConfig 指向静态资产目录文件。
type AssetsConfig struct {
	CatalogPath string `json:"catalog_path"`
}

// AdvisoryConfig 指向静态提示库文件，解析接口用它附带操作提示。
type AdvisoryConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// LoggingConfig 控制日志输出与审计日志。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘行为。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertingConfig 配置告警渠道，未配置的渠道不参与派发。
type AlertingConfig struct {
	Email    EmailAlertConfig   `json:"email"`
	DingTalk WebhookAlertConfig `json:"dingtalk"`
	Slack    WebhookAlertConfig `json:"slack"`
}

// EmailAlertConfig 描述邮件告警的收件人。
type EmailAlertConfig struct {
	Enabled       bool     `json:"enabled"`
	To            []string `json:"to"`
	SubjectPrefix string   `json:"subject_prefix"`
}

// WebhookAlertConfig 描述 webhook 类告警渠道。
type WebhookAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// AuthConfig 控制 API 鉴权方式，disabled 或 jwt。
// SeedsPath 指向初始账号的 JSON 文件，仅在 jwt 模式下使用。
type AuthConfig struct {
	Mode         string `json:"mode"`
	JWTSecret    string `json:"jwt_secret"`
	TokenTTLMins int    `json:"token_ttl_mins"`
	SeedsPath    string `json:"seeds_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
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
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.ReviewStore.Driver == "" {
		c.Storage.ReviewStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "disabled"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Swarm.Quorum <= 0 || c.Swarm.Quorum > 1 {
		c.Swarm.Quorum = 0.6
	}
	if c.Swarm.NativeDecimals == 0 {
		c.Swarm.NativeDecimals = 9
	}

	if c.Advisory.Path != "" && !filepath.IsAbs(c.Advisory.Path) {
		c.Advisory.Path = filepath.Join(baseDir, c.Advisory.Path)
	}
	if c.Advisory.MaxResults <= 0 {
		c.Advisory.MaxResults = 3
	}
	if c.Assets.CatalogPath != "" && !filepath.IsAbs(c.Assets.CatalogPath) {
		c.Assets.CatalogPath = filepath.Join(baseDir, c.Assets.CatalogPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.TokenTTLMins <= 0 {
		c.Auth.TokenTTLMins = 60
	}
	if c.Auth.SeedsPath != "" && !filepath.IsAbs(c.Auth.SeedsPath) {
		c.Auth.SeedsPath = filepath.Join(baseDir, c.Auth.SeedsPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
