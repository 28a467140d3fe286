package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/internal/metrics"
	"cdpsmartproxy/internal/protocol"
	"cdpsmartproxy/pkg/domain"
)

// ErrSessionCreationFailed 代理会话创建失败
var ErrSessionCreationFailed = errors.New("session creation failed")

// CreationError 会话接口返回非 2xx 时的错误详情
type CreationError struct {
	Status int
	Reason string
	Body   string
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("error creating SPM session, response: %d %s %s", e.Status, e.Reason, e.Body)
}

// Is 使 errors.Is(err, ErrSessionCreationFailed) 成立
func (e *CreationError) Is(target error) bool {
	return target == ErrSessionCreationFailed
}

const flightKey = "session"

// Options 会话管理器配置
type Options struct {
	ProxyHost      string
	APIKey         string
	ClientIdentity string
	CreateTimeout  time.Duration
	HTTPClient     *http.Client
	Journal        Journal
	Metrics        *metrics.Collector
	Logger         logger.Logger
}

// Manager 进程内唯一的代理会话：懒创建、单飞、收到失效信号后清除
type Manager struct {
	opts   Options
	client *resty.Client
	log    logger.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	token string
	state domain.SessionState

	creations     atomic.Int64
	failures      atomic.Int64
	invalidations atomic.Int64
}

// NewManager 创建会话管理器
func NewManager(opts Options) *Manager {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 30 * time.Second
	}
	var c *resty.Client
	if opts.HTTPClient != nil {
		c = resty.NewWithClient(opts.HTTPClient)
	} else {
		c = resty.New()
	}
	c.SetLogger(logger.Printf{L: l})
	return &Manager{
		opts:   opts,
		client: c,
		log:    l.With("component", "session"),
		state:  domain.SessionUnset,
	}
}

// Token 返回当前有效令牌；没有时发起一次创建，并发调用者共享同一次创建结果。
// ctx 结束只会让当前调用者停止等待，创建本身按 CreateTimeout 继续完成。
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.state == domain.SessionActive && m.token != "" {
		token := m.token
		m.mu.RUnlock()
		return token, nil
	}
	m.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(flightKey, func() (any, error) {
		return m.create(detached)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate 立即清除令牌，下一次 Token 将重新创建；可重复调用
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	old := m.token
	m.token = ""
	m.state = domain.SessionInvalidated
	m.mu.Unlock()

	if old == "" {
		return
	}
	m.invalidations.Add(1)
	m.opts.Metrics.SessionInvalidated()
	m.log.Info("代理会话已失效", "reason", reason)
	m.record(context.Background(), Record{Kind: KindInvalidated, Token: old, Reason: reason})
}

// State 当前会话状态
func (m *Manager) State() domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats 返回统计信息
func (m *Manager) Stats() domain.SessionStats {
	return domain.SessionStats{
		State:         m.State(),
		Creations:     m.creations.Load(),
		Failures:      m.failures.Load(),
		Invalidations: m.invalidations.Load(),
	}
}

// create 在单飞保护下执行，先复查是否已有其他调用刚完成创建
func (m *Manager) create(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state == domain.SessionActive && m.token != "" {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}
	prev := m.state
	m.state = domain.SessionCreating
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.CreateTimeout)
	defer cancel()

	start := time.Now()
	token, err := m.requestSession(ctx)

	m.mu.Lock()
	if err != nil {
		if m.state == domain.SessionCreating {
			m.state = prev
		}
		m.mu.Unlock()
		m.failures.Add(1)
		m.opts.Metrics.SessionFailed()
		m.log.Err(err, "创建代理会话失败", "duration", time.Since(start))
		m.record(ctx, Record{Kind: KindFailed, Reason: err.Error(), Status: statusOf(err)})
		return "", err
	}
	m.token = token
	m.state = domain.SessionActive
	m.mu.Unlock()

	m.creations.Add(1)
	m.opts.Metrics.SessionCreated()
	m.log.Info("创建代理会话成功", "duration", time.Since(start))
	m.record(ctx, Record{Kind: KindCreated, Token: token})
	return token, nil
}

// requestSession POST {proxyHost}/sessions，响应体即会话令牌
func (m *Manager) requestSession(ctx context.Context) (string, error) {
	endpoint := strings.TrimSuffix(m.opts.ProxyHost, "/") + "/sessions"
	resp, err := m.client.R().
		SetContext(ctx).
		SetBasicAuth(m.opts.APIKey, "").
		SetHeader(protocol.HeaderClient, m.opts.ClientIdentity).
		Post(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}
	if !resp.IsSuccess() {
		code := resp.StatusCode()
		reason := strings.TrimSpace(strings.TrimPrefix(resp.Status(), strconv.Itoa(code)))
		return "", &CreationError{Status: code, Reason: reason, Body: resp.String()}
	}
	token := strings.TrimSpace(resp.String())
	if token == "" {
		return "", fmt.Errorf("%w: empty session id in %d response", ErrSessionCreationFailed, resp.StatusCode())
	}
	return token, nil
}

func (m *Manager) record(ctx context.Context, r Record) {
	if m.opts.Journal == nil {
		return
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if err := m.opts.Journal.Record(context.WithoutCancel(ctx), r); err != nil {
		m.log.Err(err, "写入会话日志失败", "kind", r.Kind)
	}
}

func statusOf(err error) int {
	var ce *CreationError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}
