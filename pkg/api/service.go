package api

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/prometheus/client_golang/prometheus"

	"cdpsmartproxy/internal/config"
	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/internal/service"
	"cdpsmartproxy/pkg/domain"
)

// Service 服务接口
type Service interface {
	// ListTargets 列出 DevTools 端点上的页面
	ListTargets(ctx context.Context) ([]domain.TargetInfo, error)

	// AttachTarget 通过 DevTools 协议附加页面
	AttachTarget(ctx context.Context, targetID string) (string, error)

	// AttachPage 接管 rod 页面
	AttachPage(ctx context.Context, page *rod.Page) (string, error)

	// WatchTargets 轮询 DevTools 页面列表，自动附加新页面
	WatchTargets(ctx context.Context, interval time.Duration) error

	// WatchBrowser 自动接管 rod 浏览器新建的页面
	WatchBrowser(ctx context.Context, browser *rod.Browser) error

	// Detach 分离页面
	Detach(id string) error

	// Pages 已附加的页面
	Pages() []string

	// SubscribeEvents 订阅处理通知
	SubscribeEvents() <-chan domain.NetworkEvent

	// SessionStats 代理会话统计
	SessionStats() domain.SessionStats

	// InvalidateSession 使代理会话失效
	InvalidateSession(reason string)

	// LaunchFlags 浏览器启动参数
	LaunchFlags() []string

	// Close 释放所有资源
	Close() error
}

// NewService 创建并返回服务接口实现；reg 为空时不注册指标
func NewService(cfg *config.Config, l logger.Logger, reg prometheus.Registerer) (Service, error) {
	return service.New(cfg, service.Options{Logger: l, Registerer: reg})
}
