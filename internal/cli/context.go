package cli

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"codebox/internal/config"
	"codebox/internal/execution"
	"codebox/internal/server"
	"codebox/internal/storage"
	"codebox/pkg/logger"
)

// CLIContext CLI 上下文
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
	Verbose    bool
	Quiet      bool

	engineOnce sync.Once
	engine     *execution.Engine
	engineErr  error
	storage    *storage.DB
}

// NewCLIContext 创建 CLI 上下文
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     log,
		Verbose:    verbose,
		Quiet:      quiet,
	}
}

// GetEngine 获取本地执行引擎（懒加载）。仅在授予 kv 能力时打开存储
func (c *CLIContext) GetEngine() (*execution.Engine, error) {
	c.engineOnce.Do(func() {
		db, err := server.OpenStore(c.Config)
		if err != nil {
			c.engineErr = err
			return
		}
		engine, err := server.NewEngine(c.Config, db, *c.Log())
		if err != nil {
			if db != nil {
				db.Close()
			}
			c.engineErr = err
			return
		}
		c.storage = db
		c.engine = engine
	})
	return c.engine, c.engineErr
}

// Close 关闭资源
func (c *CLIContext) Close() error {
	var errs []error
	if c.engine != nil {
		errs = append(errs, c.engine.Backend().Close())
	}
	if c.storage != nil {
		errs = append(errs, c.storage.Close())
	}
	errs = append(errs, logger.Close())
	return errors.Join(errs...)
}

// Log 获取 Logger
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}
