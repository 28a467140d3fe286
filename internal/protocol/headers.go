package protocol

import (
	"fmt"
	"sort"
	"strings"

	"cdpsmartproxy/pkg/traffic"
)

const (
	HeaderSession = "X-Crawlera-Session"
	HeaderClient  = "X-Crawlera-Client"
	HeaderError   = "X-Crawlera-Error"

	// BadSessionValue 代理判定会话失效时在 HeaderError 中返回的值
	BadSessionValue = "bad_session_id"
)

// ClientIdentity 生成客户端标识，格式 zyte-smartproxy-<integration>-extra/<version>
func ClientIdentity(integration, version string) string {
	return fmt.Sprintf("zyte-smartproxy-%s-extra/%s", integration, version)
}

// BuildRequestHeaders 合并原始请求头、会话头与静态覆盖头。
// 优先级：覆盖头 > 会话头 > 原始请求头；原始头原样保留（含空值），
// 空令牌、空标识与 nil 覆盖值视为未定义，不会输出。
func BuildRequestHeaders(original traffic.Header, sessionToken, clientIdentity string, overrides map[string]*string) traffic.Header {
	out := original.Clone()

	if sessionToken != "" {
		out.Set(HeaderSession, sessionToken)
	}
	if clientIdentity != "" {
		out.Set(HeaderClient, clientIdentity)
	}

	// map 无序，按名称排序保证输出稳定
	names := make([]string, 0, len(overrides))
	for k := range overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if v := overrides[k]; v != nil {
			out.Set(k, *v)
		}
	}
	return out
}

// IsBadSession 检查响应头中是否带有会话失效信号
func IsBadSession(headers []traffic.Entry) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, HeaderError) && h.Value == BadSessionValue {
			return true
		}
	}
	return false
}
