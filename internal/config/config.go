package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"codebox/internal/sandbox"
)

// EnvPrefix 环境变量前缀，例如 CODEBOX_GATEWAY_PORT
const EnvPrefix = "CODEBOX"

// 执行后端
const (
	SubstrateInProcess  = "inprocess"
	SubstrateSubprocess = "subprocess"
)

// Config 是应用配置的根结构体
type Config struct {
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Executor    ExecutorConfig    `mapstructure:"executor" yaml:"executor"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	MCP         MCPConfig         `mapstructure:"mcp" yaml:"mcp"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	Port      int             `mapstructure:"port" yaml:"port"`
	Host      string          `mapstructure:"host" yaml:"host"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig 存储配置，仅在授予 kv 能力时使用
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ExecutorConfig 代码片段执行配置
type ExecutorConfig struct {
	Substrate               string        `mapstructure:"substrate" yaml:"substrate"` // inprocess 不限制内存, subprocess 才执行 memory_limit
	MaxSnippetBytes         int           `mapstructure:"max_snippet_bytes" yaml:"max_snippet_bytes"`
	MaxInputs               int           `mapstructure:"max_inputs" yaml:"max_inputs"`
	TimeLimit               time.Duration `mapstructure:"time_limit" yaml:"time_limit"`
	MemoryLimit             string        `mapstructure:"memory_limit" yaml:"memory_limit"`         // 如 "64MiB"
	MaxOutputBytes          string        `mapstructure:"max_output_bytes" yaml:"max_output_bytes"` // stdout 与 stderr 合计
	MaxCallStack            int           `mapstructure:"max_call_stack" yaml:"max_call_stack"`
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions" yaml:"max_concurrent_executions"`
	MaxQueue                int           `mapstructure:"max_queue" yaml:"max_queue"`
	QueueTimeout            time.Duration `mapstructure:"queue_timeout" yaml:"queue_timeout"`
	KillGrace               time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
	SpareVMs                int           `mapstructure:"spare_vms" yaml:"spare_vms"`
	SpareIdleTimeout        time.Duration `mapstructure:"spare_idle_timeout" yaml:"spare_idle_timeout"`
	AllowedCapabilities     []string      `mapstructure:"allowed_capabilities" yaml:"allowed_capabilities"`
	AllowedPaths            []string      `mapstructure:"allowed_paths" yaml:"allowed_paths"`
	HTTPAllowlist           []string      `mapstructure:"http_allowlist" yaml:"http_allowlist"` // 为空时拒绝所有请求
	MaxWriteSize            string        `mapstructure:"max_write_size" yaml:"max_write_size"`
	KVMaxKeys               int           `mapstructure:"kv_max_keys" yaml:"kv_max_keys"`
	WorkerCommand           []string      `mapstructure:"worker_command" yaml:"worker_command"` // 为空时重新执行自身的 worker 子命令
}

// MaintenanceConfig 周期性维护任务，值为 cron 表达式，空字符串表示禁用
type MaintenanceConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	KVPurge       string `mapstructure:"kv_purge" yaml:"kv_purge"`
	SpareEviction string `mapstructure:"spare_eviction" yaml:"spare_eviction"`
	StatsLog      string `mapstructure:"stats_log" yaml:"stats_log"`
}

// MCPConfig MCP 服务端配置
type MCPConfig struct {
	ServerName string `mapstructure:"server_name" yaml:"server_name"`
}

// Limits 解析并校验单次执行的资源限制
func (c ExecutorConfig) Limits() (sandbox.Limits, error) {
	mem, err := parseSize("executor.memory_limit", c.MemoryLimit)
	if err != nil {
		return sandbox.Limits{}, err
	}
	out, err := parseSize("executor.max_output_bytes", c.MaxOutputBytes)
	if err != nil {
		return sandbox.Limits{}, err
	}

	switch {
	case c.TimeLimit <= 0:
		return sandbox.Limits{}, fmt.Errorf("executor.time_limit must be positive, got %s", c.TimeLimit)
	case c.MaxCallStack <= 0:
		return sandbox.Limits{}, fmt.Errorf("executor.max_call_stack must be positive, got %d", c.MaxCallStack)
	case c.KillGrace < 0:
		return sandbox.Limits{}, fmt.Errorf("executor.kill_grace must not be negative, got %s", c.KillGrace)
	}

	return sandbox.Limits{
		TimeLimit:      c.TimeLimit,
		MemoryLimit:    mem,
		MaxOutputBytes: out,
		MaxCallStack:   c.MaxCallStack,
		KillGrace:      c.KillGrace,
	}, nil
}

// Capabilities 解析授予代码片段的能力，未知名称返回错误
func (c ExecutorConfig) Capabilities() (sandbox.Capabilities, error) {
	caps := sandbox.Capabilities{
		AllowedPaths:  c.AllowedPaths,
		HTTPAllowlist: c.HTTPAllowlist,
		MaxKVKeys:     c.KVMaxKeys,
	}
	for _, name := range c.AllowedCapabilities {
		capability := sandbox.Capability(strings.ToLower(strings.TrimSpace(name)))
		if !capability.Known() {
			return sandbox.Capabilities{}, fmt.Errorf("executor.allowed_capabilities: unknown capability %q", name)
		}
		if !caps.Has(capability) {
			caps.Allowed = append(caps.Allowed, capability)
		}
	}
	if c.MaxWriteSize != "" {
		n, err := parseSize("executor.max_write_size", c.MaxWriteSize)
		if err != nil {
			return sandbox.Capabilities{}, err
		}
		caps.MaxWriteSize = n
	}
	return caps, nil
}

// Validate 校验执行配置
func (c ExecutorConfig) Validate() error {
	if _, err := c.Limits(); err != nil {
		return err
	}
	if _, err := c.Capabilities(); err != nil {
		return err
	}
	switch c.Substrate {
	case SubstrateInProcess, SubstrateSubprocess:
	default:
		return fmt.Errorf("executor.substrate must be %q or %q, got %q", SubstrateInProcess, SubstrateSubprocess, c.Substrate)
	}
	switch {
	case c.MaxSnippetBytes <= 0:
		return fmt.Errorf("executor.max_snippet_bytes must be positive, got %d", c.MaxSnippetBytes)
	case c.MaxInputs <= 0:
		return fmt.Errorf("executor.max_inputs must be positive, got %d", c.MaxInputs)
	case c.MaxConcurrentExecutions <= 0:
		return fmt.Errorf("executor.max_concurrent_executions must be positive, got %d", c.MaxConcurrentExecutions)
	case c.MaxQueue < 0:
		return fmt.Errorf("executor.max_queue must not be negative, got %d", c.MaxQueue)
	}
	return nil
}

func parseSize(key, value string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return int64(n), nil
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// LoadEnv 加载 .env 文件到进程环境，已存在的环境变量不会被覆盖。
// 未指定文件时读取当前目录下的 .env（不存在则忽略）
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		return godotenv.Load()
	}
	return godotenv.Load(files...)
}

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expanded

		viper.SetConfigFile(expanded)
		if err := readInConfig(); err != nil {
			return nil, err
		}
	}

	cfg, err := decode()
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

// Reload 重新读取配置文件。新配置无效时保留旧配置并返回错误
func Reload() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if configPath == "" {
		return nil, errors.New("config path not set")
	}
	if err := readInConfig(); err != nil {
		return nil, err
	}
	cfg, err := decode()
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

// readInConfig 读取配置文件，文件不存在时忽略
func readInConfig() error {
	err := viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) || os.IsNotExist(err) {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

func decode() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Executor.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Path 返回当前配置文件路径
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// GetString 获取字符串配置值
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt 获取整数配置值
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool 获取布尔配置值
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath != "" {
		return save()
	}
	return nil
}

// Save 保存配置到文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save 调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo 保存配置到指定路径
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// SetTestConfig 设置全局配置（仅用于测试）
func SetTestConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}
