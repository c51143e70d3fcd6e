package channel

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bizpilot/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestAPI(t *testing.T) (*API, *harness) {
	h := newHarness(t)
	api := NewAPI(APIConfig{
		JWTSecret: testSecret,
		Sessions:  h.sessions,
		Events:    h.events,
		Logger:    testLogger(),
	})
	return api, h
}

func bearer(t *testing.T, owner string) string {
	t.Helper()
	tok, err := NewTokenVerifier(testSecret).Generate(owner, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func call(t *testing.T, api *API, method, path, auth, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := api.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestAPI_RequiresToken(t *testing.T) {
	api, _ := newTestAPI(t)

	code, body := call(t, api, http.MethodGet, "/api/v1/state", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing bearer token", body["error"])

	forged, err := NewTokenVerifier("other-secret").Generate("mallory", time.Hour)
	require.NoError(t, err)
	code, _ = call(t, api, http.MethodGet, "/api/v1/state", "Bearer "+forged, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = call(t, api, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_SendMessageAndConversations(t *testing.T) {
	api, h := newTestAPI(t)
	auth := bearer(t, "owner-a")

	code, body := call(t, api, http.MethodPost, "/api/v1/messages", auth, `{"content":"How do I register an LLC?"}`)
	require.Equal(t, http.StatusOK, code, body)
	state := body["state"].(map[string]any)
	msgs := state["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "echo: How do I register an LLC?", msgs[1].(map[string]any)["content"])
	convID := state["current_conversation"].(map[string]any)["id"].(string)

	h.engine(t, "api:owner-a").Wait()

	code, body = call(t, api, http.MethodGet, "/api/v1/conversations", auth, "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["conversations"].([]any), 1)

	// Another owner sees nothing and cannot open it.
	other := bearer(t, "owner-b")
	code, body = call(t, api, http.MethodGet, "/api/v1/conversations", other, "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["conversations"])
	code, _ = call(t, api, http.MethodGet, "/api/v1/conversations/"+convID, other, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, api, http.MethodPost, "/api/v1/conversations", auth, "")
	require.Equal(t, http.StatusOK, code)
	code, body = call(t, api, http.MethodGet, "/api/v1/conversations/"+convID, auth, "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["messages"].([]any), 2)

	code, _ = call(t, api, http.MethodDelete, "/api/v1/conversations/"+convID, auth, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = call(t, api, http.MethodGet, "/api/v1/conversations/"+convID, auth, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_SendMessageErrors(t *testing.T) {
	api, h := newTestAPI(t)
	auth := bearer(t, "owner-a")

	code, body := call(t, api, http.MethodPost, "/api/v1/messages", auth, `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "content")

	code, _ = call(t, api, http.MethodPost, "/api/v1/messages", auth, `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	h.provider.fail(errors.New("model overloaded"))
	code, body = call(t, api, http.MethodPost, "/api/v1/messages", auth, `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["error"], "model overloaded")
	msgs := body["state"].(map[string]any)["messages"].([]any)
	require.Len(t, msgs, 2)
	last := msgs[1].(map[string]any)
	assert.Equal(t, true, last["synthetic"])
	assert.True(t, strings.HasPrefix(last["content"].(string), "Sorry, I encountered an error:"))
}

func TestAPI_Memory(t *testing.T) {
	api, _ := newTestAPI(t)
	auth := bearer(t, "owner-a")

	code, body := call(t, api, http.MethodPut, "/api/v1/memory", auth,
		`{"key":"business_name","value":"Acme Bakery","category":"business","importance":8}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body["context"], "Acme Bakery")

	code, body = call(t, api, http.MethodGet, "/api/v1/memory", auth, "")
	require.Equal(t, http.StatusOK, code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "business", items[0].(map[string]any)["category"])

	code, _ = call(t, api, http.MethodPut, "/api/v1/memory", auth, `{"key":"","value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, api, http.MethodDelete, "/api/v1/memory/business_name", auth, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = call(t, api, http.MethodDelete, "/api/v1/memory/business_name", auth, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_EventReplayIsPerOwner(t *testing.T) {
	api, _ := newTestAPI(t)
	auth := bearer(t, "owner-a")
	since := time.Now().Add(-time.Second).UTC().Format(time.RFC3339Nano)

	code, _ := call(t, api, http.MethodPut, "/api/v1/memory", auth, `{"key":"state","value":"Oregon"}`)
	require.Equal(t, http.StatusOK, code)

	code, body := call(t, api, http.MethodGet, "/api/v1/events?type=state.memory&since="+since, auth, "")
	require.Equal(t, http.StatusOK, code)
	events := body["events"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, "api:owner-a", events[0].(map[string]any)["session_id"])

	code, body = call(t, api, http.MethodGet, "/api/v1/events", bearer(t, "owner-b"), "")
	require.Equal(t, http.StatusOK, code)
	for _, ev := range body["events"].([]any) {
		assert.Equal(t, "api:owner-b", ev.(map[string]any)["session_id"])
	}

	code, _ = call(t, api, http.MethodGet, "/api/v1/events?since=yesterday", auth, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_Metrics(t *testing.T) {
	h := newHarness(t)
	collector := metrics.New()
	collector.ObserveEvents(h.events)
	api := NewAPI(APIConfig{
		JWTSecret: testSecret,
		Sessions:  h.sessions,
		Events:    h.events,
		Metrics:   collector,
		Logger:    testLogger(),
	})

	code, _ := call(t, api, http.MethodPost, "/api/v1/messages", bearer(t, "carol"), `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, code)

	resp, err := api.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(raw), `bizpilot_events_total{type="state.messages"}`)
}
