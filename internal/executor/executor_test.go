package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/codelayer/agproxy/internal/auth"
	"github.com/codelayer/agproxy/internal/balancer"
	"github.com/codelayer/agproxy/internal/device"
	"github.com/codelayer/agproxy/internal/signature"
	"github.com/codelayer/agproxy/internal/translator"
	"github.com/codelayer/agproxy/internal/translator/claude"
)

func init() {
	cache := signature.NewCache(signature.Options{})
	claude.Register(cache)
}

func testAccount() *auth.Account {
	return &auth.Account{
		ID:          "acct-1",
		Email:       "acct@example.com",
		AccessToken: "token-1",
		Expiry:      time.Now().Add(time.Hour),
	}
}

func claudeBody() []byte {
	return []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hello world"}]}`)
}

const upstreamResponse = `{"response":{"responseId":"r1","candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1}}}`

func newExecutor(t *testing.T, server *httptest.Server, bal *balancer.Balancer) *Executor {
	t.Helper()
	return New(Options{BaseURLs: []string{server.URL + "/v1internal"}, Version: "1.2.3"}, bal)
}

func TestExecuteAugmentsEnvelope(t *testing.T) {
	var seenBody []byte
	var seenHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenBody = readAll(r)
		seenHeader = r.Header.Clone()
		w.Write([]byte(upstreamResponse))
	}))
	defer server.Close()

	exec := newExecutor(t, server, nil)
	account := testAccount()
	account.Quota = &auth.Quota{ProjectID: "brisk-otter-1a2b3"}

	out, err := exec.Execute(context.Background(), account, translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.NoError(t, err)
	assert.Equal(t, "hi", gjson.GetBytes(out, "content.0.text").String())

	body := gjson.ParseBytes(seenBody)
	assert.Equal(t, "antigravity", body.Get("userAgent").String())
	assert.Equal(t, "agent", body.Get("requestType").String())
	assert.Equal(t, "brisk-otter-1a2b3", body.Get("project").String())
	assert.True(t, strings.HasPrefix(body.Get("requestId").String(), "agent-"))
	assert.True(t, strings.HasPrefix(body.Get("request.sessionId").String(), "-"))
	assert.Equal(t, "gemini-3-pro", body.Get("model").String())

	assert.Equal(t, "Bearer token-1", seenHeader.Get("Authorization"))
	assert.Contains(t, seenHeader.Get("User-Agent"), "antigravity/1.2.3")
}

func TestSessionIDDeterministicAcrossRequests(t *testing.T) {
	var sessions []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions = append(sessions, gjson.GetBytes(readAll(r), "request.sessionId").String())
		w.Write([]byte(upstreamResponse))
	}))
	defer server.Close()

	exec := newExecutor(t, server, nil)
	account := testAccount()
	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), account, translator.FormatClaude, "gemini-3-pro", claudeBody())
		require.NoError(t, err)
	}
	require.Len(t, sessions, 2)
	assert.Equal(t, sessions[0], sessions[1])
}

func TestDeviceHeadersApplied(t *testing.T) {
	var seen http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Write([]byte(upstreamResponse))
	}))
	defer server.Close()

	exec := newExecutor(t, server, nil)
	account := testAccount()
	account.DeviceProfile = device.NewProfile()

	_, err := exec.Execute(context.Background(), account, translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.NoError(t, err)
	assert.Equal(t, account.DeviceProfile.MachineID, seen.Get("X-Machine-Id"))
	assert.Equal(t, account.DeviceProfile.SqmID, seen.Get("X-Sqm-Id"))
}

func TestUnauthorizedRefreshThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		w.Write([]byte(upstreamResponse))
	}))
	defer server.Close()

	exec := newExecutor(t, server, nil)
	refreshes := 0
	exec.refresh = func(_ context.Context, account *auth.Account) error {
		refreshes++
		account.AccessToken = "token-2"
		account.Expiry = time.Now().Add(time.Hour)
		return nil
	}

	out, err := exec.Execute(context.Background(), testAccount(), translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.NoError(t, err)
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "hi", gjson.GetBytes(out, "content.0.text").String())
}

func TestSecondUnauthorizedSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	exec := newExecutor(t, server, nil)
	exec.refresh = func(_ context.Context, account *auth.Account) error {
		account.AccessToken = "token-2"
		return nil
	}

	_, err := exec.Execute(context.Background(), testAccount(), translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
}

func TestRateLimitMarksAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	bal := balancer.New(balancer.RoundRobin, 0)
	exec := newExecutor(t, server, bal)
	account := testAccount()

	_, err := exec.Execute(context.Background(), account, translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))

	// the account is gone from rotation until the limit lapses
	assert.Nil(t, bal.Pick([]*auth.Account{account}))

	infos := bal.Snapshot()
	require.Len(t, infos, 1)
	until := time.Until(infos[0].RateLimitExpiry)
	assert.Greater(t, until, 25*time.Second)
	assert.LessOrEqual(t, until, 30*time.Second)
}

func TestQuotaExceededMarksAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"daily quota exceeded"}}`))
	}))
	defer server.Close()

	bal := balancer.New(balancer.RoundRobin, 0)
	exec := newExecutor(t, server, bal)
	account := testAccount()

	_, err := exec.Execute(context.Background(), account, translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.Error(t, err)
	assert.Nil(t, bal.Pick([]*auth.Account{account}))
}

func TestBaseURLLadderFallsOver(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(upstreamResponse))
	}))
	defer alive.Close()

	exec := New(Options{BaseURLs: []string{dead.URL + "/v1internal", alive.URL + "/v1internal"}}, nil)
	out, err := exec.Execute(context.Background(), testAccount(), translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.NoError(t, err)
	assert.Equal(t, "hi", gjson.GetBytes(out, "content.0.text").String())
}

func TestExecuteStreamTranslates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hel\"}]}}]}\n\n"))
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":2,\"candidatesTokenCount\":1}}\n\n"))
	}))
	defer server.Close()

	exec := newExecutor(t, server, nil)
	chunks, err := exec.ExecuteStream(context.Background(), testAccount(), translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.NoError(t, err)

	var joined strings.Builder
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		joined.Write(chunk.Payload)
	}
	events := joined.String()
	assert.Contains(t, events, "event: message_start")
	assert.Contains(t, events, `"text":"hel"`)
	assert.Contains(t, events, "event: message_stop")
	assert.Equal(t, 1, strings.Count(events, "event: message_stop"))
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]}}]}\n\n"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	exec := newExecutor(t, server, nil)
	chunks, err := exec.ExecuteStream(ctx, testAccount(), translator.FormatClaude, "gemini-3-pro", claudeBody())
	require.NoError(t, err)

	<-chunks
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-chunks:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestCountTokensStripsTools(t *testing.T) {
	var seenPath string
	var seenBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenBody = readAll(r)
		w.Write([]byte(`{"totalTokens":42}`))
	}))
	defer server.Close()

	exec := newExecutor(t, server, nil)
	envelope := []byte(`{"model":"gemini-3-pro","request":{"contents":[],"tools":[{"functionDeclarations":[{"name":"run"}]}]}}`)
	out, err := exec.CountTokens(context.Background(), testAccount(), envelope)
	require.NoError(t, err)
	assert.Equal(t, int64(42), gjson.GetBytes(out, "totalTokens").Int())
	assert.True(t, strings.HasSuffix(seenPath, ":countTokens"))
	assert.False(t, gjson.GetBytes(seenBody, "request.tools").Exists())
}

func TestFetchAvailableModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":fetchAvailableModels"))
		w.Write([]byte(`{"models":[{"name":"models/gemini-3-pro"}]}`))
	}))
	defer server.Close()

	exec := newExecutor(t, server, nil)
	out, err := exec.FetchAvailableModels(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "models/gemini-3-pro", gjson.GetBytes(out, "models.0.name").String())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", nil))

	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3s"}]}}`)
	delay := parseRetryAfter("", body)
	assert.GreaterOrEqual(t, delay, 3200*time.Millisecond)
	assert.LessOrEqual(t, delay, 3600*time.Millisecond)

	// capped
	long := []byte(`{"error":{"details":[{"retryDelay":"120s"}]}}`)
	assert.LessOrEqual(t, parseRetryAfter("", long), 11*time.Second)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", []byte(`{}`)))
}

func readAll(r *http.Request) []byte {
	buf, _ := io.ReadAll(r.Body)
	return buf
}
