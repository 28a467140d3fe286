package rod

import (
	"sort"

	"github.com/go-rod/rod/lib/proto"

	"cdpsmartproxy/pkg/domain"
	"cdpsmartproxy/pkg/traffic"
)

// RequestEvent 由被劫持请求的各字段构建请求阶段事件
func RequestEvent(id, method, rawURL string, typ proto.NetworkResourceType, headers proto.NetworkHeaders) *domain.InterceptedEvent {
	return &domain.InterceptedEvent{
		ID:             id,
		Stage:          domain.StageRequest,
		Method:         method,
		URL:            rawURL,
		ResourceType:   string(typ),
		RequestHeaders: HeadersFromProto(headers),
	}
}

// ResponseEvent 将 Network.responseReceived 转换为响应阶段事件
func ResponseEvent(e *proto.NetworkResponseReceived) *domain.InterceptedEvent {
	out := &domain.InterceptedEvent{
		ID:           string(e.RequestID),
		Stage:        domain.StageResponse,
		ResourceType: string(e.Type),
	}
	if e.Response != nil {
		out.URL = e.Response.URL
		out.ResponseStatus = e.Response.Status
		out.ResponseHeaders = HeadersFromProto(e.Response.Headers).Entries()
	}
	return out
}

// AuthEvent 将 Fetch.authRequired 转换为认证挑战事件
func AuthEvent(e *proto.FetchAuthRequired) *domain.AuthChallengeEvent {
	out := &domain.AuthChallengeEvent{ID: string(e.RequestID), Source: domain.ChallengeSourceServer}
	if e.Request != nil {
		out.URL = e.Request.URL
	}
	if c := e.AuthChallenge; c != nil {
		out.Origin = c.Origin
		out.Scheme = c.Scheme
		out.Realm = c.Realm
		if c.Source == proto.FetchAuthChallengeSourceProxy {
			out.Source = domain.ChallengeSourceProxy
		}
	}
	return out
}

// ToAuthChallengeResponse 凭据只在 ProvideCredentials 时携带
func ToAuthChallengeResponse(r domain.AuthResponse) *proto.FetchAuthChallengeResponse {
	out := &proto.FetchAuthChallengeResponse{Response: proto.FetchAuthChallengeResponseResponseDefault}
	switch r.Kind {
	case domain.AuthProvideCredentials:
		out.Response = proto.FetchAuthChallengeResponseResponseProvideCredentials
		out.Username = r.Username
		out.Password = r.Password
	case domain.AuthCancel:
		out.Response = proto.FetchAuthChallengeResponseResponseCancelAuth
	}
	return out
}

// HeadersFromProto 转换 rod 头部；源为 map，按名称排序保证输出稳定
func HeadersFromProto(src proto.NetworkHeaders) traffic.Header {
	names := make([]string, 0, len(src))
	for k := range src {
		names = append(names, k)
	}
	sort.Strings(names)
	h := traffic.NewHeader()
	for _, k := range names {
		h.Set(k, src[k].Str())
	}
	return h
}

// ToHeaderEntries 转换为 Fetch 头部条目
func ToHeaderEntries(entries []traffic.Entry) []*proto.FetchHeaderEntry {
	out := make([]*proto.FetchHeaderEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &proto.FetchHeaderEntry{Name: e.Name, Value: e.Value})
	}
	return out
}
