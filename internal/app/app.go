// Package app 负责应用级编排：加载配置→初始化依赖→恢复未结束交易→启动 HTTP 与持仓监控。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"spreadguard/internal/agent"
	"spreadguard/internal/config"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/logger"
	"spreadguard/internal/monitor"
	"spreadguard/internal/supervisor"
	apihttp "spreadguard/internal/transport/http/api"
)

// App holds the wired components; build it with New and drive it with Run.
type App struct {
	cfg        *config.Config
	trades     *lifecycle.Registry
	supervisor *supervisor.Supervisor
	entry      *agent.Service
	monitor    *monitor.Monitor
	server     *apihttp.Server
	Summary    *StartupSummary

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New 根据配置构建应用对象（不启动），并接管上次运行遗留的交易。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return newBuilder(cfg).Build(ctx)
}

// Run 启动 HTTP 接口与持仓监控，直到 ctx 取消或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}
	group, ctx := errgroup.WithContext(ctx)
	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("api http server error: %w", err)
			}
			return nil
		})
	}
	if a.monitor != nil {
		group.Go(func() error {
			return a.monitor.Run(ctx)
		})
	}
	return group.Wait()
}

// Handler exposes the HTTP handler for tests and embedding.
func (a *App) Handler() http.Handler {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Handler()
}

func (a *App) Trades() *lifecycle.Registry { return a.trades }

func (a *App) Entry() *agent.Service { return a.entry }

// Close stops supervision loops first so their last transitions and audit
// records reach the store, then releases resources in reverse build order.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		if a.supervisor != nil {
			a.supervisor.Stop()
		}
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
