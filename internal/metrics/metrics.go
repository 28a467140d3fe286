package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cdpsmartproxy/pkg/domain"
)

const namespace = "smartproxy"

// Collector 代理会话与拦截流程的 Prometheus 指标，nil 接收者安全
type Collector struct {
	sessionsCreated      prometheus.Counter
	sessionFailures      prometheus.Counter
	sessionInvalidations prometheus.Counter
	events               *prometheus.CounterVec
	bypass               *prometheus.CounterVec
}

// New 创建并注册指标
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Proxy sessions successfully created.",
		}),
		sessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Failed proxy session creation calls.",
		}),
		sessionInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_invalidations_total",
			Help:      "Sessions dropped after a bad-session signal.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Intercepted events by stage and resolution.",
		}, []string{"stage", "resolution"}),
		bypass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bypass_total",
			Help:      "Static bypass attempts by result.",
		}, []string{"result"}),
	}
	for _, col := range []prometheus.Collector{c.sessionsCreated, c.sessionFailures, c.sessionInvalidations, c.events, c.bypass} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SessionCreated 会话创建成功
func (c *Collector) SessionCreated() {
	if c != nil {
		c.sessionsCreated.Inc()
	}
}

// SessionFailed 会话创建失败
func (c *Collector) SessionFailed() {
	if c != nil {
		c.sessionFailures.Inc()
	}
}

// SessionInvalidated 会话失效
func (c *Collector) SessionInvalidated() {
	if c != nil {
		c.sessionInvalidations.Inc()
	}
}

// EventResolved 记录事件处理结果
func (c *Collector) EventResolved(stage domain.Stage, res domain.Resolution) {
	if c != nil {
		c.events.WithLabelValues(string(stage), string(res)).Inc()
	}
}

// Bypass 记录直连结果：hit 或 fallback
func (c *Collector) Bypass(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.bypass.WithLabelValues("hit").Inc()
	} else {
		c.bypass.WithLabelValues("fallback").Inc()
	}
}
