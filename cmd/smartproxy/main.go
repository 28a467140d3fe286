package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdpsmartproxy/internal/config"
	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/pkg/api"
	"cdpsmartproxy/pkg/domain"
)

// Globals 所有子命令共享的参数
type Globals struct {
	Config      string `short:"c" type:"path" help:"YAML 配置文件路径"`
	DevtoolsURL string `name:"devtools-url" help:"DevTools HTTP 端点，覆盖配置文件"`
	LogLevel    string `name:"log-level" help:"日志级别 debug/info/warn/error"`
	MetricsAddr string `name:"metrics-addr" help:"Prometheus 指标监听地址，为空则不开启"`
}

type cli struct {
	Globals

	Attach  attachCmd  `cmd:"" default:"withargs" help:"附加到已运行浏览器的页面并开始代理"`
	Launch  launchCmd  `cmd:"" help:"启动带代理参数的浏览器并接管新页面"`
	Targets targetsCmd `cmd:"" help:"列出 DevTools 端点上的页面"`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("smartproxy"),
		kong.Description("基于 CDP 拦截的智能代理会话层"),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&c.Globals))
}

// runtime 子命令运行所需的公共依赖
type runtime struct {
	cfg *config.Config
	log logger.Logger
	reg *prometheus.Registry
}

func (g *Globals) setup() (*runtime, error) {
	cfg := config.NewConfig()
	if g.Config != "" {
		loaded, err := config.Load(g.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if g.DevtoolsURL != "" {
		cfg.DevtoolsURL = g.DevtoolsURL
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.MetricsAddr != "" {
		cfg.Metrics.Addr = g.MetricsAddr
	}

	l, err := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &runtime{cfg: cfg, log: l, reg: reg}, nil
}

func (rt *runtime) newService() (api.Service, error) {
	return api.NewService(rt.cfg, rt.log, rt.reg)
}

// serveMetrics 在配置了地址时暴露 /metrics，ctx 结束后关闭
func (rt *runtime) serveMetrics(ctx context.Context) {
	if rt.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.reg, promhttp.HandlerOpts{Registry: rt.reg}))
	srv := &http.Server{Addr: rt.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		rt.log.Info("指标服务已启动", "addr", rt.cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Err(err, "指标服务异常退出")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// watch 输出处理通知直到 ctx 结束
func (rt *runtime) watch(ctx context.Context, svc api.Service) {
	events := svc.SubscribeEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			logEvent(rt.log, evt)
		}
	}
}

func logEvent(l logger.Logger, evt domain.NetworkEvent) {
	kv := []any{
		"traceId", evt.TraceID,
		"stage", evt.Stage,
		"resolution", evt.Resolution,
		"method", evt.Method,
		"url", evt.URL,
		"bypassed", evt.Bypassed,
	}
	if evt.Error != nil {
		l.Err(evt.Error, "事件处理失败", kv...)
		return
	}
	l.Debug("事件已处理", kv...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printTargets(targets []domain.TargetInfo) {
	for _, t := range targets {
		fmt.Printf("%s\t%s\t%s\n", t.ID, t.Title, t.URL)
	}
}
