// ABOUTME: HTTP-level tests exercising the full pipeline behind the JSON API
// ABOUTME: Uses a real store, miniredis and an httptest broker stub

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-im/halcyon/internal/broker"
	"github.com/halcyon-im/halcyon/internal/config"
	"github.com/halcyon-im/halcyon/internal/dedupe"
	"github.com/halcyon-im/halcyon/internal/fanout"
	"github.com/halcyon-im/halcyon/internal/history"
	"github.com/halcyon-im/halcyon/internal/ingest"
	"github.com/halcyon-im/halcyon/internal/permission"
	"github.com/halcyon-im/halcyon/internal/seq"
	"github.com/halcyon-im/halcyon/internal/store"
	"github.com/halcyon-im/halcyon/internal/webhook"
)

const testWebhookSecret = "test-secret"

type brokerStub struct {
	mu    sync.Mutex
	paths []string
}

func (b *brokerStub) record(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
}

func (b *brokerStub) seen(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.paths {
		if p == path {
			return true
		}
	}
	return false
}

type testEnv struct {
	srv  *Server
	st   *store.SQLiteStore
	stub *brokerStub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	stub := &brokerStub{}
	brokerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.record(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(brokerSrv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bc := broker.New(brokerSrv.URL, "", nil)
	fo := fanout.New(st, rdb, 0, nil)
	pool := ingest.NewPool(4, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	orch := ingest.New(
		st,
		seq.New(rdb, 0, nil),
		dedupe.New(rdb, dedupe.Config{}, nil),
		permission.New(st, false, nil),
		bc,
		fo,
		pool,
		ingest.Options{RetryInitial: time.Millisecond},
		nil,
		nil,
	)

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = ":0"
	cfg.Webhook.Enabled = true
	cfg.Webhook.Path = "/webhook"
	cfg.Webhook.Secret = testWebhookSecret
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	registry := prometheus.NewRegistry()
	wh := webhook.New(st, testWebhookSecret, nil, nil)
	srv := New(orch, history.New(st, nil), st, bc, wh, registry, cfg, nil)

	return &testEnv{srv: srv, st: st, stub: stub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func textSend(sender, recipient string) map[string]any {
	return map[string]any{
		"sender_id":    sender,
		"recipient_id": recipient,
		"type":         "text",
		"content":      map[string]string{"text": "hello"},
	}
}

// sendMessage pushes one message through the API and returns its id.
func sendMessage(t *testing.T, env *testEnv, sender, recipient string) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/messages/send", textSend(sender, recipient))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.Equal(t, true, body["success"])
	msg := body["message"].(map[string]any)
	return msg["id"].(string)
}

func TestSend(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/messages/send", textSend("u1", "u2"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	msg := body["message"].(map[string]any)
	assert.Equal(t, float64(1), msg["seq"])
	assert.Equal(t, "sent", msg["status"])
	assert.True(t, env.stub.seen("/message/send"))
}

func TestSend_Validation(t *testing.T) {
	env := newTestEnv(t)

	// Malformed JSON
	req := httptest.NewRequest(http.MethodPost, "/api/messages/send", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// No target
	w2 := env.do(t, http.MethodPost, "/api/messages/send", map[string]any{
		"sender_id": "u1", "type": "text", "content": map[string]string{"text": "x"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w2.Code)

	// Wrong method
	w3 := env.do(t, http.MethodGet, "/api/messages/send", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w3.Code)
}

func TestSendBatch(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/messages/send-batch", map[string]any{
		"messages": []map[string]any{
			textSend("u1", "u2"),
			textSend("u1", "u3"),
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	results := decodeBody(t, w)["results"].([]any)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, true, r.(map[string]any)["success"])
	}
}

func TestRecall(t *testing.T) {
	env := newTestEnv(t)
	id := sendMessage(t, env, "u1", "u2")

	// Only the sender may recall
	w := env.do(t, http.MethodPost, "/api/messages/recall", map[string]any{
		"caller_id": "u2", "message_id": id,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/messages/recall", map[string]any{
		"caller_id": "u1", "message_id": id,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	msg, err := env.st.GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRecalled, msg.Status)

	// Unknown message
	w = env.do(t, http.MethodPost, "/api/messages/recall", map[string]any{
		"caller_id": "u1", "message_id": "nope",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForward(t *testing.T) {
	env := newTestEnv(t)
	id := sendMessage(t, env, "u1", "u2")

	w := env.do(t, http.MethodPost, "/api/messages/forward", map[string]any{
		"caller_id":     "u1",
		"message_id":    id,
		"recipient_ids": []string{"u3", "u4"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	results := decodeBody(t, w)["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, id, first["forward_from_id"])

	// No targets
	w = env.do(t, http.MethodPost, "/api/messages/forward", map[string]any{
		"caller_id": "u1", "message_id": id,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetry_NotFailed(t *testing.T) {
	env := newTestEnv(t)
	id := sendMessage(t, env, "u1", "u2")

	w := env.do(t, http.MethodPost, "/api/messages/retry", map[string]any{
		"caller_id": "u1", "message_id": id,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	id := sendMessage(t, env, "u1", "u2")

	// Only the recipient may mark read
	w := env.do(t, http.MethodPost, "/api/messages/read", map[string]any{
		"caller_id": "u3", "message_ids": []string{id},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/messages/read", map[string]any{
		"caller_id": "u2", "message_ids": []string{id},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, w)["marked"])
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		sendMessage(t, env, "u1", "u2")
	}

	w := env.do(t, http.MethodGet, "/api/history?user_id=u1&peer_id=u2&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Len(t, body["messages"], 2)
	assert.Equal(t, true, body["has_more"])
	cursor := body["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	w = env.do(t, http.MethodGet,
		fmt.Sprintf("/api/history?user_id=u1&peer_id=u2&limit=2&cursor=%s", cursor), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["messages"], 1)
}

func TestHistory_MissingPeer(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/history?user_id=u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	sendMessage(t, env, "u1", "u2")

	w := env.do(t, http.MethodGet, "/api/search?user_id=u1&keyword=hello", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Len(t, body["messages"], 1)

	// Non-participant sees nothing
	w = env.do(t, http.MethodGet, "/api/search?user_id=u9&keyword=hello", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody(t, w)["messages"])

	// Empty keyword
	w = env.do(t, http.MethodGet, "/api/search?user_id=u1&keyword=+", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	sendMessage(t, env, "u1", "u2")
	sendMessage(t, env, "u2", "u1")

	from := time.Now().Add(-time.Minute).Format(time.RFC3339)
	to := time.Now().Add(time.Minute).Format(time.RFC3339)
	w := env.do(t, http.MethodGet,
		fmt.Sprintf("/api/stats?user_id=u1&from=%s&to=%s", from, to), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["sent"])
	assert.Equal(t, float64(1), body["received"])

	w = env.do(t, http.MethodGet, "/api/stats?user_id=u1&from=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConversations(t *testing.T) {
	env := newTestEnv(t)
	sendMessage(t, env, "u1", "u2")

	// Fan-out is asynchronous
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/conversations?owner=u2", nil)
		if w.Code != http.StatusOK {
			return false
		}
		convs, _ := decodeBody(t, w)["conversations"].([]any)
		return len(convs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	key := map[string]any{"owner": "u2", "peer": "u1", "kind": "single"}

	pin := map[string]any{"pinned": true}
	for k, v := range key {
		pin[k] = v
	}
	w := env.do(t, http.MethodPost, "/api/conversations/pin", pin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	draft := map[string]any{"draft": "wip reply"}
	for k, v := range key {
		draft[k] = v
	}
	w = env.do(t, http.MethodPost, "/api/conversations/draft", draft)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/conversations/read", key)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/conversations?owner=u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	convs := decodeBody(t, w)["conversations"].([]any)
	require.Len(t, convs, 1)
	c := convs[0].(map[string]any)
	assert.Equal(t, "u1", c["peer_id"])
	assert.Equal(t, true, c["is_pinned"])
	assert.Equal(t, "wip reply", c["draft"])
	assert.Equal(t, float64(0), c["unread_count"])

	// owner is required
	w = env.do(t, http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProvisionUser(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/users/provision", map[string]any{
		"uid": "u1", "name": "User One", "token_expire_seconds": 3600,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "u1", body["uid"])
	assert.NotEmpty(t, body["token"])
	assert.True(t, env.stub.seen("/user"))
	assert.True(t, env.stub.seen("/user/token"))

	w = env.do(t, http.MethodPost, "/api/users/provision", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookMounted(t *testing.T) {
	env := newTestEnv(t)
	id := sendMessage(t, env, "u1", "u2")

	payload, err := json.Marshal(map[string]any{
		"event": "message_ack",
		"data":  map[string]string{"client_msg_no": id},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(testWebhookSecret, payload))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	msg, err := env.st.GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, msg.Status)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetMessages(t *testing.T) {
	env := newTestEnv(t)
	id := sendMessage(t, env, "u1", "u2")
	sendMessage(t, env, "u1", "u3")

	// Single lookup
	w := env.do(t, http.MethodGet, "/api/messages?id="+id, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	msg := decodeBody(t, w)["message"].(map[string]any)
	assert.Equal(t, id, msg["id"])

	w = env.do(t, http.MethodGet, "/api/messages?id=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// By sender
	w = env.do(t, http.MethodGet, "/api/messages?sender_id=u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["messages"], 2)

	// By recipient with paging
	w = env.do(t, http.MethodGet, "/api/messages?recipient_id=u2&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["messages"], 1)

	// No selector
	w = env.do(t, http.MethodGet, "/api/messages", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
