// ABOUTME: Tests for the broker REST adapter against httptest servers
// ABOUTME: Covers payload codec, channel id derivation, error taxonomy, and wire shapes

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-im/halcyon/internal/store"
)

func TestPersonalChannelID_Canonical(t *testing.T) {
	assert.Equal(t, "alice_bob", PersonalChannelID("alice", "bob"))
	assert.Equal(t, "alice_bob", PersonalChannelID("bob", "alice"))
	assert.Equal(t, "u1_u2", PersonalChannelID("u2", "u1"))
}

func TestPayloadRoundTrip(t *testing.T) {
	payload, err := EncodePayload(&store.TextContent{Text: "hello"})
	require.NoError(t, err)

	content, err := DecodePayload(store.TypeText, payload)
	require.NoError(t, err)

	text, ok := content.(*store.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)
}

func TestDecodePayload_BadBase64(t *testing.T) {
	_, err := DecodePayload(store.TypeText, "%%%not-base64%%%")
	assert.Error(t, err)
}

func TestSendMessage(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/message/send", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(SendResult{MessageID: "bm-1", MessageSeq: 7, ClientMsgNo: got.ClientMsgNo})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	res, err := c.SendMessage(context.Background(), SendRequest{
		ChannelID:   "alice_bob",
		ChannelType: ChannelPerson,
		FromUID:     "alice",
		Payload:     "aGVsbG8=",
		ClientMsgNo: "msg-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "bm-1", res.MessageID)
	assert.Equal(t, int64(7), res.MessageSeq)
	assert.Equal(t, ChannelPerson, got.ChannelType)
	assert.Equal(t, "alice", got.FromUID)
}

func TestSendMessage_PermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad channel", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	_, err := c.SendMessage(context.Background(), SendRequest{ChannelID: "x"})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.False(t, se.Temporary())
	assert.Contains(t, se.Body, "bad channel")
}

func TestSendMessage_TemporaryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	_, err := c.SendMessage(context.Background(), SendRequest{ChannelID: "x"})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Temporary())
}

func TestSendBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/message/sendbatch", r.URL.Path)
		var body struct {
			Messages []SendRequest `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		results := make([]BatchItemResult, len(body.Messages))
		for i, m := range body.Messages {
			results[i] = BatchItemResult{ClientMsgNo: m.ClientMsgNo, MessageID: "bm", MessageSeq: int64(i + 1)}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	results, err := c.SendBatch(context.Background(), []SendRequest{
		{ClientMsgNo: "a"}, {ClientMsgNo: "b"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ClientMsgNo)
	assert.Equal(t, int64(2), results[1].MessageSeq)
}

func TestSendBatch_EmptyIsNoop(t *testing.T) {
	c := New("http://broker.invalid", "", nil)
	results, err := c.SendBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestSyncMessages_DefaultLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 100, req.Limit)
		json.NewEncoder(w).Encode(map[string]any{"messages": []Message{{MessageID: "bm-1", MessageSeq: 3}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	msgs, err := c.SyncMessages(context.Background(), SyncRequest{UID: "alice"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(3), msgs[0].MessageSeq)
}

func TestChannelLifecycle(t *testing.T) {
	paths := make([]string, 0, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/channel/subscribers" {
			json.NewEncoder(w).Encode(map[string]any{"uids": []string{"alice", "bob"}})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	ctx := context.Background()

	require.NoError(t, c.CreateChannel(ctx, "g1", ChannelGroup, []string{"alice"}))
	require.NoError(t, c.AddSubscribers(ctx, "g1", ChannelGroup, []string{"bob"}))

	uids, err := c.ListSubscribers(ctx, "g1", ChannelGroup)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, uids)

	require.NoError(t, c.DeleteChannel(ctx, "g1", ChannelGroup))
	assert.Equal(t, []string{"/channel", "/channel/subscriber_add", "/channel/subscribers", "/channel/delete"}, paths)
}

func TestSubscriberMutations_EmptyAreNoops(t *testing.T) {
	c := New("http://broker.invalid", "", nil)
	ctx := context.Background()
	assert.NoError(t, c.AddSubscribers(ctx, "g1", ChannelGroup, nil))
	assert.NoError(t, c.RemoveSubscribers(ctx, "g1", ChannelGroup, nil))
	assert.NoError(t, c.AddDenylist(ctx, "g1", ChannelGroup, nil))
	assert.NoError(t, c.AddAllowlist(ctx, "g1", ChannelGroup, nil))
}

func TestGetUserToken_ManagerURLAndFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/user/token", r.URL.Path)
		var req TokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 86400, req.TokenExpireSeconds)
		// Broker echoes no token back; caller-supplied value stands
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("http://broker.invalid", srv.URL, nil)
	token, err := c.GetUserToken(context.Background(), TokenRequest{
		UID:                "alice",
		Token:              "tok-123",
		DeviceFlag:         1,
		TokenExpireSeconds: 86400,
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	assert.NoError(t, c.Health(context.Background()))
}
