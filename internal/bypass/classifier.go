package bypass

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"cdpsmartproxy/pkg/domain"
)

// Matcher 判断事件是否属于静态资源
type Matcher interface {
	Match(ev *domain.InterceptedEvent) bool
}

// MatcherFunc 函数适配器
type MatcherFunc func(ev *domain.InterceptedEvent) bool

// Match 实现 Matcher
func (f MatcherFunc) Match(ev *domain.InterceptedEvent) bool { return f(ev) }

// Classifier 直连旁路判定器，纯函数、无副作用
type Classifier struct {
	Enabled bool
	Matcher Matcher
}

// New 创建判定器
func New(enabled bool, m Matcher) *Classifier {
	return &Classifier{Enabled: enabled, Matcher: m}
}

// IsBypassable 仅 GET 且命中静态资源规则的请求可直连
func (c *Classifier) IsBypassable(ev *domain.InterceptedEvent) bool {
	if c == nil || !c.Enabled || c.Matcher == nil || ev == nil {
		return false
	}
	if ev.Stage != domain.StageRequest || ev.Method != http.MethodGet {
		return false
	}
	return c.Matcher.Match(ev)
}

// RegexMatcher 以正则匹配完整 URL
type RegexMatcher struct {
	re *regexp.Regexp
}

// NewRegexMatcher 编译正则
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{re: re}, nil
}

// Match 实现 Matcher
func (m *RegexMatcher) Match(ev *domain.InterceptedEvent) bool {
	return m.re.MatchString(ev.URL)
}

// GlobMatcher 以 doublestar 模式匹配 URL 路径（不含查询串）
type GlobMatcher struct {
	patterns []string
}

// NewGlobMatcher 创建 glob 匹配器
func NewGlobMatcher(patterns ...string) *GlobMatcher {
	return &GlobMatcher{patterns: patterns}
}

// Match 实现 Matcher
func (m *GlobMatcher) Match(ev *domain.InterceptedEvent) bool {
	u, err := url.Parse(ev.URL)
	if err != nil {
		return false
	}
	p := strings.TrimPrefix(u.Path, "/")
	for _, pattern := range m.patterns {
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

// ResourceTypeMatcher 按浏览器上报的资源类型匹配（大小写不敏感）
type ResourceTypeMatcher struct {
	types map[string]struct{}
}

// DefaultResourceTypes 默认视为静态的资源类型
var DefaultResourceTypes = []string{"Stylesheet", "Image", "Font", "Media"}

// NewResourceTypeMatcher 创建资源类型匹配器
func NewResourceTypeMatcher(types ...string) *ResourceTypeMatcher {
	m := &ResourceTypeMatcher{types: make(map[string]struct{}, len(types))}
	for _, t := range types {
		m.types[strings.ToLower(t)] = struct{}{}
	}
	return m
}

// Match 实现 Matcher
func (m *ResourceTypeMatcher) Match(ev *domain.InterceptedEvent) bool {
	_, ok := m.types[strings.ToLower(ev.ResourceType)]
	return ok
}

// AnyOf 任一匹配器命中即命中
func AnyOf(ms ...Matcher) Matcher {
	return MatcherFunc(func(ev *domain.InterceptedEvent) bool {
		for _, m := range ms {
			if m != nil && m.Match(ev) {
				return true
			}
		}
		return false
	})
}
