package domain

import "cdpsmartproxy/pkg/traffic"

// Stage 拦截阶段
type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
	// StageAuth 仅用于通知，标记认证挑战
	StageAuth Stage = "auth"
)

// ChallengeSource 认证挑战来源
type ChallengeSource string

const (
	ChallengeSourceServer ChallengeSource = "Server"
	ChallengeSourceProxy  ChallengeSource = "Proxy"
)

// InterceptedEvent 被拦截的请求/响应事件，以 ID 标识且只能被处理一次
type InterceptedEvent struct {
	ID           string
	Stage        Stage
	Method       string
	URL          string
	ResourceType string

	// 请求阶段
	RequestHeaders traffic.Header

	// 响应阶段
	ResponseStatus  int
	ResponseHeaders []traffic.Entry
}

// IsResponse 是否为响应阶段事件
func (e *InterceptedEvent) IsResponse() bool {
	return e.Stage == StageResponse
}

// AuthChallengeEvent 认证挑战事件
type AuthChallengeEvent struct {
	ID     string
	URL    string
	Origin string
	Source ChallengeSource
	Scheme string
	Realm  string
}

// FulfillPayload 直接应答浏览器的响应内容
type FulfillPayload struct {
	Status  int
	Headers []traffic.Entry
	Body    []byte
}

// AuthResponseKind 认证应答方式
type AuthResponseKind string

const (
	AuthDefault            AuthResponseKind = "Default"
	AuthCancel             AuthResponseKind = "CancelAuth"
	AuthProvideCredentials AuthResponseKind = "ProvideCredentials"
)

// AuthResponse 认证挑战应答
type AuthResponse struct {
	Kind     AuthResponseKind
	Username string
	Password string
}

// SessionState 代理会话状态
type SessionState string

const (
	SessionUnset       SessionState = "unset"
	SessionCreating    SessionState = "creating"
	SessionActive      SessionState = "active"
	SessionInvalidated SessionState = "invalidated"
)

// SessionStats 会话统计
type SessionStats struct {
	State         SessionState `json:"state"`
	Creations     int64        `json:"creations"`
	Failures      int64        `json:"failures"`
	Invalidations int64        `json:"invalidations"`
}

// Resolution 事件的最终处理结果
type Resolution string

const (
	ResolutionContinued    Resolution = "continued"
	ResolutionFulfilled    Resolution = "fulfilled"
	ResolutionFailed       Resolution = "failed"
	ResolutionDropped      Resolution = "dropped"
	ResolutionAuthAnswered Resolution = "auth_answered"
)

// NetworkEvent 路由器对外发布的处理通知
type NetworkEvent struct {
	Type       string     `json:"type"`
	TraceID    string     `json:"traceId"`
	RequestID  string     `json:"requestId"`
	URL        string     `json:"url"`
	Method     string     `json:"method"`
	Stage      Stage      `json:"stage"`
	Resolution Resolution `json:"resolution"`
	Bypassed   bool       `json:"bypassed"`
	Error      error      `json:"-"`
	Timestamp  int64      `json:"timestamp"`
}

// TargetInfo 可附加的页面目标
type TargetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}
