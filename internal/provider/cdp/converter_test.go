package cdp

import (
	"testing"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpsmartproxy/pkg/domain"
	"cdpsmartproxy/pkg/traffic"
)

func TestToInterceptedEventRequestStage(t *testing.T) {
	ev := &fetch.RequestPausedReply{
		RequestID:    "interception-1",
		ResourceType: network.ResourceTypeScript,
		Request: network.Request{
			URL:     "https://x.test/app.js",
			Method:  "GET",
			Headers: network.Headers(`{"User-Agent":"ua","Accept":"*/*","Referer":"https://x.test/"}`),
		},
	}

	out := ToInterceptedEvent(ev)
	assert.Equal(t, "interception-1", out.ID)
	assert.Equal(t, domain.StageRequest, out.Stage)
	assert.Equal(t, "Script", out.ResourceType)
	assert.False(t, out.IsResponse())
	assert.Equal(t, []traffic.Entry{
		{Name: "User-Agent", Value: "ua"},
		{Name: "Accept", Value: "*/*"},
		{Name: "Referer", Value: "https://x.test/"},
	}, out.RequestHeaders.Entries())
	assert.Nil(t, out.ResponseHeaders)
}

func TestToInterceptedEventResponseStage(t *testing.T) {
	status := 200
	ev := &fetch.RequestPausedReply{
		RequestID:          "interception-2",
		Request:            network.Request{URL: "https://x.test/", Method: "GET"},
		ResponseStatusCode: &status,
		ResponseHeaders: []fetch.HeaderEntry{
			{Name: "Set-Cookie", Value: "a=1"},
			{Name: "Set-Cookie", Value: "b=2"},
			{Name: "X-Crawlera-Error", Value: "bad_session_id"},
		},
	}

	out := ToInterceptedEvent(ev)
	assert.Equal(t, domain.StageResponse, out.Stage)
	assert.Equal(t, 200, out.ResponseStatus)
	require.Len(t, out.ResponseHeaders, 3)
	assert.Equal(t, "b=2", out.ResponseHeaders[1].Value)
}

func TestToInterceptedEventResponseError(t *testing.T) {
	reason := network.ErrorReasonConnectionRefused
	out := ToInterceptedEvent(&fetch.RequestPausedReply{
		RequestID:           "interception-3",
		ResponseErrorReason: &reason,
	})
	assert.Equal(t, domain.StageResponse, out.Stage)
	assert.Equal(t, 0, out.ResponseStatus)
}

func TestDecodeHeadersEmpty(t *testing.T) {
	assert.Equal(t, 0, DecodeHeaders(nil).Len())
	assert.Equal(t, 0, DecodeHeaders([]byte(`{}`)).Len())
}

func TestToAuthChallengeEvent(t *testing.T) {
	src := "Proxy"
	out := ToAuthChallengeEvent(&fetch.AuthRequiredReply{
		RequestID: "auth-1",
		Request:   network.Request{URL: "https://x.test/"},
		AuthChallenge: fetch.AuthChallenge{
			Source: &src,
			Origin: "http://proxy.zyte.com:8011",
			Scheme: "basic",
			Realm:  "Zyte",
		},
	})
	assert.Equal(t, "auth-1", out.ID)
	assert.Equal(t, domain.ChallengeSourceProxy, out.Source)
	assert.Equal(t, "http://proxy.zyte.com:8011", out.Origin)

	out = ToAuthChallengeEvent(&fetch.AuthRequiredReply{RequestID: "auth-2"})
	assert.Equal(t, domain.ChallengeSourceServer, out.Source)
}

func TestToAuthChallengeResponse(t *testing.T) {
	r := ToAuthChallengeResponse(domain.AuthResponse{Kind: domain.AuthProvideCredentials, Username: "key"})
	assert.Equal(t, "ProvideCredentials", r.Response)
	require.NotNil(t, r.Username)
	require.NotNil(t, r.Password)
	assert.Equal(t, "key", *r.Username)
	assert.Equal(t, "", *r.Password)

	r = ToAuthChallengeResponse(domain.AuthResponse{Kind: domain.AuthDefault})
	assert.Equal(t, "Default", r.Response)
	assert.Nil(t, r.Username)
}

func TestToHeaderEntriesKeepsOrder(t *testing.T) {
	h := traffic.FromEntries([]traffic.Entry{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}})
	assert.Equal(t, []fetch.HeaderEntry{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}}, ToHeaderEntries(h))
}

func TestContinueResponseArgsHasNoOverrides(t *testing.T) {
	args := ContinueResponseArgs("interception-9")
	assert.Equal(t, fetch.RequestID("interception-9"), args.RequestID)
	assert.Nil(t, args.URL)
	assert.Nil(t, args.Method)
	assert.Nil(t, args.Headers)
	assert.Nil(t, args.PostData)
}
