package cdp

import (
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"

	"cdpsmartproxy/pkg/domain"
	"cdpsmartproxy/pkg/traffic"
)

// ToInterceptedEvent 将 Fetch.requestPaused 转换为中立事件
// 带有响应状态或响应错误的暂停属于响应阶段
func ToInterceptedEvent(ev *fetch.RequestPausedReply) *domain.InterceptedEvent {
	out := &domain.InterceptedEvent{
		ID:             string(ev.RequestID),
		Stage:          domain.StageRequest,
		Method:         ev.Request.Method,
		URL:            ev.Request.URL,
		ResourceType:   string(ev.ResourceType),
		RequestHeaders: DecodeHeaders(ev.Request.Headers),
	}
	if ev.ResponseStatusCode != nil || ev.ResponseErrorReason != nil {
		out.Stage = domain.StageResponse
		if ev.ResponseStatusCode != nil {
			out.ResponseStatus = *ev.ResponseStatusCode
		}
		out.ResponseHeaders = make([]traffic.Entry, 0, len(ev.ResponseHeaders))
		for _, h := range ev.ResponseHeaders {
			out.ResponseHeaders = append(out.ResponseHeaders, traffic.Entry{Name: h.Name, Value: h.Value})
		}
	}
	return out
}

// ToAuthChallengeEvent 将 Fetch.authRequired 转换为中立事件
func ToAuthChallengeEvent(ev *fetch.AuthRequiredReply) *domain.AuthChallengeEvent {
	out := &domain.AuthChallengeEvent{
		ID:     string(ev.RequestID),
		URL:    ev.Request.URL,
		Origin: ev.AuthChallenge.Origin,
		Source: domain.ChallengeSourceServer,
		Scheme: ev.AuthChallenge.Scheme,
		Realm:  ev.AuthChallenge.Realm,
	}
	if ev.AuthChallenge.Source != nil && strings.EqualFold(*ev.AuthChallenge.Source, string(domain.ChallengeSourceProxy)) {
		out.Source = domain.ChallengeSourceProxy
	}
	return out
}

// DecodeHeaders 按原始顺序解析 CDP 头部对象
func DecodeHeaders(raw []byte) traffic.Header {
	h := traffic.NewHeader()
	if len(raw) == 0 {
		return h
	}
	gjson.ParseBytes(raw).ForEach(func(k, v gjson.Result) bool {
		h.Set(k.String(), v.String())
		return true
	})
	return h
}

// ToHeaderEntries 将中立头部转换为 CDP 头部条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	return toEntries(h.Entries())
}

func toEntries(entries []traffic.Entry) []fetch.HeaderEntry {
	out := make([]fetch.HeaderEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fetch.HeaderEntry{Name: e.Name, Value: e.Value})
	}
	return out
}

// ToAuthChallengeResponse 将认证应答转换为 CDP 参数
func ToAuthChallengeResponse(r domain.AuthResponse) fetch.AuthChallengeResponse {
	out := fetch.AuthChallengeResponse{Response: string(r.Kind)}
	if r.Kind == domain.AuthProvideCredentials {
		user, pass := r.Username, r.Password
		out.Username = &user
		out.Password = &pass
	}
	return out
}

// ContinueResponseArgs 响应阶段放行参数：不覆盖任何请求字段
func ContinueResponseArgs(id string) *fetch.ContinueRequestArgs {
	return fetch.NewContinueRequestArgs(fetch.RequestID(id))
}
