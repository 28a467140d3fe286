package auth

import (
	"net/url"
	"strings"

	"cdpsmartproxy/pkg/domain"
)

// Responder 代理认证挑战应答器
type Responder struct {
	apiKey    string
	proxyHost string
	origin    string
}

// NewResponder 创建应答器，proxyHost 为配置中的代理地址
func NewResponder(apiKey, proxyHost string) *Responder {
	return &Responder{apiKey: apiKey, proxyHost: proxyHost, origin: normalizeOrigin(proxyHost)}
}

// Respond 仅对来自配置代理的挑战提供凭据，其余交由浏览器默认处理
func (r *Responder) Respond(ch *domain.AuthChallengeEvent) domain.AuthResponse {
	if r.IsProxyChallenge(ch) {
		return domain.AuthResponse{
			Kind:     domain.AuthProvideCredentials,
			Username: r.apiKey,
			Password: "",
		}
	}
	return domain.AuthResponse{Kind: domain.AuthDefault}
}

// IsProxyChallenge 判断挑战是否来自配置的代理
func (r *Responder) IsProxyChallenge(ch *domain.AuthChallengeEvent) bool {
	if ch == nil || ch.Source != domain.ChallengeSourceProxy {
		return false
	}
	return ch.Origin == r.proxyHost || normalizeOrigin(ch.Origin) == r.origin
}

// normalizeOrigin 统一为小写 scheme://host:port，缺省端口按 scheme 补全
func normalizeOrigin(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/")
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.ToLower(s)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return scheme + "://" + host + ":" + port
}
