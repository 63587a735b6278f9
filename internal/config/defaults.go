package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	// Gateway 配置
	viper.SetDefault("gateway.port", 5000)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.rate_limit.enabled", false)
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 120)
	viper.SetDefault("gateway.rate_limit.burst", 20)
	viper.SetDefault("gateway.rate_limit.cleanup_interval", time.Minute)

	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage 配置
	viper.SetDefault("storage.path", "~/.codebox/kv.db")

	// Executor 配置
	viper.SetDefault("executor.substrate", SubstrateInProcess)
	viper.SetDefault("executor.max_snippet_bytes", 64*1024)
	viper.SetDefault("executor.max_inputs", 256)
	viper.SetDefault("executor.time_limit", 5*time.Second)
	viper.SetDefault("executor.memory_limit", "64MiB")
	viper.SetDefault("executor.max_output_bytes", "1MiB")
	viper.SetDefault("executor.max_call_stack", 1024)
	viper.SetDefault("executor.max_concurrent_executions", 4)
	viper.SetDefault("executor.max_queue", 16)
	viper.SetDefault("executor.queue_timeout", 2*time.Second)
	viper.SetDefault("executor.kill_grace", 500*time.Millisecond)
	viper.SetDefault("executor.spare_vms", 2)
	viper.SetDefault("executor.spare_idle_timeout", 5*time.Minute)
	viper.SetDefault("executor.allowed_capabilities", []string{}) // 默认不授予任何能力
	viper.SetDefault("executor.allowed_paths", []string{})
	viper.SetDefault("executor.http_allowlist", []string{})
	viper.SetDefault("executor.max_write_size", "1MiB")
	viper.SetDefault("executor.kv_max_keys", 1000)
	viper.SetDefault("executor.worker_command", []string{})

	// Maintenance 配置
	viper.SetDefault("maintenance.enabled", true)
	viper.SetDefault("maintenance.kv_purge", "@every 10m")
	viper.SetDefault("maintenance.spare_eviction", "@every 1m")
	viper.SetDefault("maintenance.stats_log", "@every 5m")

	// MCP 配置
	viper.SetDefault("mcp.server_name", "codebox")
}
