package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/pkg/domain"
	"cdpsmartproxy/pkg/traffic"
)

// ErrBypassFailed 直连获取失败，调用方应回退到代理路径
var ErrBypassFailed = errors.New("proxy bypass failed")

// Options 直连执行器配置
type Options struct {
	Timeout      time.Duration // 单次直连超时
	MaxBodyBytes int64         // 响应体上限，0 表示不限制
}

// DirectFetcher 绕过代理直接获取静态资源
type DirectFetcher struct {
	client *resty.Client
	opts   Options
	log    logger.Logger
}

// NewTransport 创建不走任何代理的传输层
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	return t
}

// NewDirectFetcher 创建直连执行器；hc 为空时使用不走代理的默认客户端
func NewDirectFetcher(hc *http.Client, opts Options, l logger.Logger) *DirectFetcher {
	if l == nil {
		l = logger.NewNop()
	}
	if hc == nil {
		hc = &http.Client{Transport: NewTransport()}
	}
	c := resty.NewWithClient(hc).SetLogger(logger.Printf{L: l})
	if opts.Timeout > 0 {
		c.SetTimeout(opts.Timeout)
	}
	return &DirectFetcher{client: c, opts: opts, log: l}
}

// AttemptBypass 使用事件自身的请求头直连 GET，仅 200 视为成功
func (f *DirectFetcher) AttemptBypass(ctx context.Context, ev *domain.InterceptedEvent) (*domain.FulfillPayload, error) {
	headers := ev.RequestHeaders.Clone()
	// 交给传输层协商压缩并自动解压，避免把压缩体原样回放给浏览器
	headers.Del("Accept-Encoding")

	req := f.client.R().
		SetContext(ctx).
		SetHeaders(headers.Map())
	if f.opts.MaxBodyBytes > 0 {
		// 边读边计数，超过上限立即放弃
		req.SetResponseBodyLimit(int(f.opts.MaxBodyBytes))
	}
	resp, err := req.Get(ev.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBypassFailed, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBypassFailed, resp.StatusCode())
	}

	body := resp.Body()
	payload := &domain.FulfillPayload{
		Status:  http.StatusOK,
		Headers: toEntries(resp.Header()),
		Body:    body,
	}
	f.log.Debug("直连获取成功", "url", ev.URL, "bytes", len(body))
	return payload, nil
}

// toEntries 展开多值响应头，跳过空名称
func toEntries(h http.Header) []traffic.Entry {
	out := make([]traffic.Entry, 0, len(h))
	for name, values := range h {
		if name == "" {
			continue
		}
		for _, v := range values {
			out = append(out, traffic.Entry{Name: name, Value: v})
		}
	}
	return out
}
