package rod

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"cdpsmartproxy/internal/protocol"
	"cdpsmartproxy/pkg/domain"
	"cdpsmartproxy/pkg/traffic"
)

func TestRequestEvent(t *testing.T) {
	ev := RequestEvent("id-1", "GET", "https://x.test/app.js", proto.NetworkResourceTypeScript, proto.NetworkHeaders{
		"User-Agent": gson.New("ua"),
		"Accept":     gson.New("*/*"),
	})
	assert.Equal(t, "id-1", ev.ID)
	assert.Equal(t, domain.StageRequest, ev.Stage)
	assert.Equal(t, "Script", ev.ResourceType)
	assert.Equal(t, []traffic.Entry{
		{Name: "Accept", Value: "*/*"},
		{Name: "User-Agent", Value: "ua"},
	}, ev.RequestHeaders.Entries())
}

func TestResponseEventCarriesBadSession(t *testing.T) {
	ev := ResponseEvent(&proto.NetworkResponseReceived{
		RequestID: "42.1",
		Type:      proto.NetworkResourceTypeDocument,
		Response: &proto.NetworkResponse{
			URL:    "https://x.test/",
			Status: 502,
			Headers: proto.NetworkHeaders{
				"X-Crawlera-Error": gson.New("bad_session_id"),
			},
		},
	})
	assert.True(t, ev.IsResponse())
	assert.Equal(t, "42.1", ev.ID)
	assert.Equal(t, 502, ev.ResponseStatus)
	assert.True(t, protocol.IsBadSession(ev.ResponseHeaders))
}

func TestResponseEventWithoutResponse(t *testing.T) {
	ev := ResponseEvent(&proto.NetworkResponseReceived{RequestID: "1"})
	assert.Empty(t, ev.ResponseHeaders)
	assert.Equal(t, 0, ev.ResponseStatus)
}

func TestToHeaderEntries(t *testing.T) {
	out := ToHeaderEntries([]traffic.Entry{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}})
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].Name)
	assert.Equal(t, "2", out[1].Value)
}

func TestAuthEvent(t *testing.T) {
	ev := AuthEvent(&proto.FetchAuthRequired{
		RequestID: "auth-1",
		Request:   &proto.NetworkRequest{URL: "https://x.test/"},
		AuthChallenge: &proto.FetchAuthChallenge{
			Source: proto.FetchAuthChallengeSourceProxy,
			Origin: "http://proxy.zyte.com:8011",
			Scheme: "basic",
		},
	})
	assert.Equal(t, "auth-1", ev.ID)
	assert.Equal(t, "https://x.test/", ev.URL)
	assert.Equal(t, domain.ChallengeSourceProxy, ev.Source)
	assert.Equal(t, "http://proxy.zyte.com:8011", ev.Origin)

	ev = AuthEvent(&proto.FetchAuthRequired{RequestID: "auth-2", AuthChallenge: &proto.FetchAuthChallenge{Origin: "https://x.test"}})
	assert.Equal(t, domain.ChallengeSourceServer, ev.Source)
}

func TestToAuthChallengeResponse(t *testing.T) {
	r := ToAuthChallengeResponse(domain.AuthResponse{Kind: domain.AuthProvideCredentials, Username: "key"})
	assert.Equal(t, proto.FetchAuthChallengeResponseResponseProvideCredentials, r.Response)
	assert.Equal(t, "key", r.Username)

	r = ToAuthChallengeResponse(domain.AuthResponse{Kind: domain.AuthDefault, Username: "ignored"})
	assert.Equal(t, proto.FetchAuthChallengeResponseResponseDefault, r.Response)
	assert.Empty(t, r.Username)

	r = ToAuthChallengeResponse(domain.AuthResponse{Kind: domain.AuthCancel})
	assert.Equal(t, proto.FetchAuthChallengeResponseResponseCancelAuth, r.Response)
}
