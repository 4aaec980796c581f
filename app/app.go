// app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tower/backlog"
	"tower/commit"
	"tower/config"
	"tower/db"
	"tower/events"
	"tower/interfaces"
	"tower/logs"
	"tower/miner"
	"tower/network"
	"tower/proofs"
	"tower/reconcile"
	"tower/stats"
	"tower/types"
)

var ErrNoAccount = errors.New("no account configured")

// Container 依赖注入容器
type Container struct {
	Config     *config.Config
	ConfigPath string
	Logger     logs.Logger
	Stats      *stats.Stats

	DB      *db.Manager
	Store   *proofs.Store
	Backlog *backlog.Manager
	Gateway interfaces.ChainGateway
	Miner   interfaces.ProofMiner

	Commit       *commit.Engine
	Reconcile    *reconcile.Engine
	Orchestrator *miner.Orchestrator
	Listener     *miner.Listener
	Network      *network.Manager

	Bus    *events.Bus
	Recent *events.Recorder

	// txErr is why no signer could be configured; reported by every command
	// that has to submit.
	txErr error
}

// NewContainer wires every component for cfg.Profile.Account. gateway and
// proofMiner are the external RPC client and VDF prover.
func NewContainer(cfg *config.Config, configPath string, gateway interfaces.ChainGateway, proofMiner interfaces.ProofMiner, logger logs.Logger) (*Container, error) {
	if logger == nil {
		logger = logs.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.AsTowerError(err)
	}
	if cfg.Profile.Account == "" {
		return nil, types.NewTowerError(types.CategoryConfig, ErrNoAccount, "")
	}
	if level, err := logs.ParseLevel(cfg.Log.Level); err == nil {
		logs.SetLevel(level)
	} else {
		logger.Warn("[App] %v, keeping current level", err)
	}
	logs.SetAccount(cfg.Profile.Account)

	c := &Container{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger,
		Stats:      stats.New(),
		Gateway:    gateway,
		Miner:      proofMiner,
		Bus:        events.NewBus(),
		Recent:     events.NewRecorder(100),
	}
	c.Bus.SubscribeAll(c.Recent.Publish)

	var err error
	if c.Store, err = proofs.NewStore(cfg.BlockPath(), cfg.Store.CacheSize, logger); err != nil {
		return nil, types.NewTowerError(types.CategoryConfig, err, "open proof store")
	}
	if c.DB, err = db.NewManager(cfg.DBPath(), logger); err != nil {
		return nil, types.NewTowerError(types.CategoryConfig, err, "open backlog db")
	}
	if c.Backlog, err = backlog.New(cfg.Profile.Account, c.DB, cfg.Backlog.MaxEntries, logger); err != nil {
		_ = c.DB.Close()
		return nil, types.AsTowerError(err)
	}

	params, err := config.TxParams(cfg)
	if err != nil {
		c.txErr = err
		logger.Warn("[App] submissions disabled: %v", err)
	}
	c.Commit = commit.NewEngine(gateway, params, logger, c.Stats)

	opts := reconcile.DefaultOptions()
	opts.PageSize = cfg.Reconcile.PageSize
	opts.IncludeEvents = cfg.Reconcile.IncludeEvents
	opts.AssumedElapsedSecs = cfg.Reconcile.AssumedElapsedSecs
	opts.VerifyTip = cfg.Reconcile.VerifyTip
	opts.Difficulty = cfg.Miner.Difficulty
	opts.Security = cfg.Miner.Security
	c.Reconcile = reconcile.NewEngine(gateway, c.Store, cfg.Profile.Account, opts, logger, c.Stats)

	c.Orchestrator = miner.New(miner.Deps{
		Account:   cfg.Profile.Account,
		Miner:     proofMiner,
		Committer: c.Commit,
		Gateway:   gateway,
		Store:     c.Store,
		History:   c.Reconcile,
		Backlog:   c.Backlog,
		Sink:      c.Bus,
		Logger:    logger,
		Stats:     c.Stats,
	})
	c.Listener = miner.NewListener(c.Orchestrator, c.Bus, cfg.Miner.TriggerQueueSize, cfg.Miner.AutoFlushBacklog, logger)

	c.Network = network.NewManager(cfg.Network, logger)
	if configPath != "" {
		c.Network.OnChange(func(p network.Profile) error {
			cfg.Network.Chain = p.Chain
			cfg.Network.Upstreams = p.Upstreams
			cfg.Network.PlaylistURL = p.PlaylistURL
			return cfg.Save(configPath)
		})
	}
	return c, nil
}

// App 主应用结构：宿主程序调用的命令入口
type App struct {
	container *Container
	ctx       context.Context
	cancel    context.CancelFunc

	mu  sync.Mutex
	env string
}

// NewApp 创建应用实例
func NewApp(container *Container) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{container: container, ctx: ctx, cancel: cancel, env: EnvProd}
}

// Stop 停止监听并关闭数据库
func (a *App) Stop() error {
	a.container.Listener.Stop()
	a.cancel()
	if err := a.container.DB.Close(); err != nil {
		return fmt.Errorf("close backlog db: %w", err)
	}
	return nil
}

// GetContainer 获取容器（用于测试或特殊场景）
func (a *App) GetContainer() *Container {
	return a.container
}

// Subscribe forwards to the event bus.
func (a *App) Subscribe(topic types.EventType, handler interfaces.EventHandler) {
	a.container.Bus.Subscribe(topic, handler)
}

func (a *App) requireSigner() error {
	if a.container.txErr != nil {
		return types.AsTowerError(a.container.txErr)
	}
	return nil
}
