package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 AgentPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Agent       AgentConfig       `json:"agent"`
	Storage     StorageConfig     `json:"storage"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Policy      PolicyConfig      `json:"policy"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Logging     LoggingConfig     `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AgentConfig 标识当前进程所代表的智能体。
type AgentConfig struct {
	ID string `json:"id"`
}

// StorageConfig 描述提案存储后端的连接信息。
type StorageConfig struct {
	ProposalStore ProposalStoreConfig `json:"proposal_store"`
}

// ProposalStoreConfig 支持内存实现与 MySQL 两种驱动。
type ProposalStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// DispatchConfig 描述子任务派发队列的驱动与连接参数。
type DispatchConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PolicyConfig 指向动作注册表与安全边界规则所在的策略文件。
type PolicyConfig struct {
	Path string `json:"path"`
}

// CoordinatorConfig 控制子任务协调的轮询行为。
type CoordinatorConfig struct {
	PollIntervalMS int `json:"poll_interval_ms"`
	WaitTimeoutMS  int `json:"wait_timeout_ms"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// PollInterval 返回轮询间隔。
func (c CoordinatorConfig) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// WaitTimeout 返回默认等待超时。
func (c CoordinatorConfig) WaitTimeout() time.Duration {
	if c.WaitTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.WaitTimeoutMS) * time.Millisecond
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

	if c.Agent.ID == "" {
		c.Agent.ID = "agentpilot"
	}

	if c.Storage.ProposalStore.Driver == "" {
		c.Storage.ProposalStore.Driver = "memory"
	}

	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "memory"
	}
	if c.Dispatch.Worker <= 0 {
		c.Dispatch.Worker = 4
	}

	if c.Policy.Path == "" {
		c.Policy.Path = filepath.Join(baseDir, "policy.yaml")
	} else if !filepath.IsAbs(c.Policy.Path) {
		c.Policy.Path = filepath.Join(baseDir, c.Policy.Path)
	}
}
