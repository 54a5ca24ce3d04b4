// ABOUTME: Webhook handler reconciling broker ack/read/presence events into stored state
// ABOUTME: HMAC-verified, replay-idempotent, and always 200 on handler errors

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyon-im/halcyon/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Halcyon-Signature"

// Broker event names
const (
	EventMessageAck  = "message_ack"
	EventMessageRead = "message_read"
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
	EventUserOnline  = "user.online"
	EventUserOffline = "user.offline"
)

// MessageStore defines what the reconciler needs from storage.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, to store.MessageStatus) (bool, error)
	AddUnread(ctx context.Context, owner, peer string, kind store.ConversationKind, delta int64) error
}

// PresenceSink receives connection-state events. The core keeps no presence
// state; the sink exists for callers that do.
type PresenceSink interface {
	Presence(ctx context.Context, uid, event string, at time.Time)
}

// envelope is the outer broker event frame.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ackEvent acknowledges one message reaching the recipient's broker queue.
type ackEvent struct {
	ClientMsgNo string `json:"client_msg_no"`
}

// readEvent reports messages read by one user.
type readEvent struct {
	UID          string   `json:"uid"`
	ClientMsgNos []string `json:"client_msg_nos"`
}

// presenceEvent reports a user's connection-state change.
type presenceEvent struct {
	UID       string `json:"uid"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Handler consumes broker webhook posts.
type Handler struct {
	store    MessageStore
	secret   []byte
	presence PresenceSink
	logger   *slog.Logger
}

// New creates a webhook handler. An empty secret disables signature checks;
// presence may be nil.
func New(ms MessageStore, secret string, presence PresenceSink, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    ms,
		secret:   []byte(secret),
		presence: presence,
		logger:   logger.With("component", "webhook"),
	}
}

// ServeHTTP verifies, parses and applies one broker event. Handler-level
// failures are logged and acked with 200: the events are idempotent and a
// non-2xx would only trigger a broker retry storm.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("rejecting webhook with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	if err := h.apply(r.Context(), &env); err != nil {
		h.logger.Error("webhook event failed", "event", env.Event, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// verify checks the body signature in constant time. No secret, no check.
func (h *Handler) verify(body []byte, signature string) bool {
	if len(h.secret) == 0 {
		return true
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Sign computes the signature a sender must attach for the given secret.
// Exported for broker configuration and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) apply(ctx context.Context, env *envelope) error {
	switch env.Event {
	case EventMessageAck:
		var ev ackEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("parsing ack: %w", err)
		}
		return h.applyAck(ctx, &ev)
	case EventMessageRead:
		var ev readEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("parsing read: %w", err)
		}
		return h.applyRead(ctx, &ev)
	case EventConnect, EventDisconnect, EventUserOnline, EventUserOffline:
		var ev presenceEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("parsing presence: %w", err)
		}
		h.applyPresence(ctx, env.Event, &ev)
		return nil
	default:
		h.logger.Debug("ignoring unknown webhook event", "event", env.Event)
		return nil
	}
}

// applyAck moves sent → delivered. Any other current status leaves the row
// alone: acks can arrive late, duplicated, or after a recall.
func (h *Handler) applyAck(ctx context.Context, ev *ackEvent) error {
	msg, err := h.store.GetMessage(ctx, ev.ClientMsgNo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Debug("ack for unknown message", "client_msg_no", ev.ClientMsgNo)
			return nil
		}
		return fmt.Errorf("loading %s: %w", ev.ClientMsgNo, err)
	}
	if msg.Status != store.StatusSent {
		return nil
	}
	if _, err := h.store.UpdateMessageStatus(ctx, msg.ID, store.StatusDelivered); err != nil {
		return fmt.Errorf("marking %s delivered: %w", msg.ID, err)
	}
	return nil
}

// applyRead moves rows to read and decrements the reader's unread counter
// once per newly-read message. Replays change nothing: the CAS reports the
// row already read, so no second decrement happens.
func (h *Handler) applyRead(ctx context.Context, ev *readEvent) error {
	for _, id := range ev.ClientMsgNos {
		msg, err := h.store.GetMessage(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("loading %s: %w", id, err)
		}

		changed, err := h.store.UpdateMessageStatus(ctx, msg.ID, store.StatusRead)
		if err != nil {
			return fmt.Errorf("marking %s read: %w", msg.ID, err)
		}
		if !changed {
			continue
		}

		peer, kind := msg.ConversationKey()
		if kind == store.KindSingle {
			peer = msg.SenderID
		}
		if err := h.store.AddUnread(ctx, ev.UID, peer, kind, -1); err != nil {
			h.logger.Warn("unread decrement failed", "owner", ev.UID, "peer", peer, "error", err)
		}
	}
	return nil
}

func (h *Handler) applyPresence(ctx context.Context, event string, ev *presenceEvent) {
	at := time.Now()
	if ev.Timestamp > 0 {
		at = time.Unix(ev.Timestamp, 0)
	}
	h.logger.Info("presence event", "event", event, "uid", ev.UID, "at", at)
	if h.presence != nil {
		h.presence.Presence(ctx, ev.UID, event, at)
	}
}
