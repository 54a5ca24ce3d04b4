// ABOUTME: JSON request/response types and HTTP handlers for the messaging API
// ABOUTME: Handlers validate shape and translate service errors to HTTP statuses

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-im/halcyon/internal/broker"
	"github.com/halcyon-im/halcyon/internal/history"
	"github.com/halcyon-im/halcyon/internal/ingest"
	"github.com/halcyon-im/halcyon/internal/store"
)

// SendMessageRequest is the JSON request body for POST /api/messages/send.
type SendMessageRequest struct {
	SenderID        string            `json:"sender_id"`
	RecipientID     string            `json:"recipient_id,omitempty"`
	GroupID         string            `json:"group_id,omitempty"`
	Type            string            `json:"type"`
	Content         json.RawMessage   `json:"content"`
	ClientSeq       *int64            `json:"client_seq,omitempty"`
	ReplyToID       string            `json:"reply_to_id,omitempty"`
	ForwardFromID   string            `json:"forward_from_id,omitempty"`
	NeedReadReceipt bool              `json:"need_read_receipt,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// SendBatchRequest is the JSON request body for POST /api/messages/send-batch.
type SendBatchRequest struct {
	Messages []SendMessageRequest `json:"messages"`
}

// MessageResponse is the JSON rendering of a stored message.
type MessageResponse struct {
	ID              string            `json:"id"`
	Seq             int64             `json:"seq"`
	ClientSeq       *int64            `json:"client_seq,omitempty"`
	Type            string            `json:"type"`
	Content         json.RawMessage   `json:"content"`
	SenderID        string            `json:"sender_id"`
	RecipientID     string            `json:"recipient_id,omitempty"`
	GroupID         string            `json:"group_id,omitempty"`
	ReplyToID       string            `json:"reply_to_id,omitempty"`
	ForwardFromID   string            `json:"forward_from_id,omitempty"`
	Status          string            `json:"status"`
	NeedReadReceipt bool              `json:"need_read_receipt,omitempty"`
	RecalledAt      *time.Time        `json:"recalled_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// SendResultResponse is the JSON rendering of one pipeline result.
type SendResultResponse struct {
	Success     bool             `json:"success"`
	IsDuplicate bool             `json:"is_duplicate,omitempty"`
	Message     *MessageResponse `json:"message,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// ConversationResponse is the JSON rendering of one inbox entry.
type ConversationResponse struct {
	PeerID        string    `json:"peer_id"`
	Kind          string    `json:"kind"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	Snippet       string    `json:"snippet,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int64     `json:"unread_count"`
	IsPinned      bool      `json:"is_pinned,omitempty"`
	IsMuted       bool      `json:"is_muted,omitempty"`
	Draft         string    `json:"draft,omitempty"`
}

// ProvisionUserRequest is the JSON request body for POST /api/users/provision.
type ProvisionUserRequest struct {
	UID                string `json:"uid"`
	Name               string `json:"name,omitempty"`
	Token              string `json:"token,omitempty"`
	DeviceFlag         int    `json:"device_flag,omitempty"`
	TokenExpireSeconds int    `json:"token_expire_seconds,omitempty"`
}

// ProvisionUserResponse is the JSON response for POST /api/users/provision.
type ProvisionUserResponse struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func messageResponse(m *store.Message) *MessageResponse {
	if m == nil {
		return nil
	}
	return &MessageResponse{
		ID:              m.ID,
		Seq:             m.Seq,
		ClientSeq:       m.ClientSeq,
		Type:            string(m.Type),
		Content:         json.RawMessage(m.Content),
		SenderID:        m.SenderID,
		RecipientID:     m.RecipientID,
		GroupID:         m.GroupID,
		ReplyToID:       m.ReplyToID,
		ForwardFromID:   m.ForwardFromID,
		Status:          string(m.Status),
		NeedReadReceipt: m.NeedReadReceipt,
		RecalledAt:      m.RecalledAt,
		CreatedAt:       m.CreatedAt,
		Extra:           m.Extra,
	}
}

func sendResultResponse(r *ingest.SendResult) *SendResultResponse {
	return &SendResultResponse{
		Success:     r.Success,
		IsDuplicate: r.IsDuplicate,
		Message:     messageResponse(r.Message),
		Error:       r.Error,
	}
}

func ingestRequest(req *SendMessageRequest) *ingest.SendRequest {
	return &ingest.SendRequest{
		SenderID:        req.SenderID,
		RecipientID:     req.RecipientID,
		GroupID:         req.GroupID,
		Type:            store.MessageType(req.Type),
		Content:         req.Content,
		ClientSeq:       req.ClientSeq,
		ReplyToID:       req.ReplyToID,
		ForwardFromID:   req.ForwardFromID,
		NeedReadReceipt: req.NeedReadReceipt,
		Extra:           req.Extra,
	}
}

// resultStatus maps a pipeline result onto an HTTP status. Duplicates are
// 200 like successes: the caller gets the message it already sent.
func resultStatus(r *ingest.SendResult) int {
	switch {
	case r.Success || r.IsDuplicate:
		return http.StatusOK
	case r.Error == ingest.ErrBackpressure.Error():
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	result := s.orch.Send(r.Context(), ingestRequest(&req))
	sendJSON(w, resultStatus(result), sendResultResponse(result))
}

func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req SendBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		sendJSONError(w, http.StatusBadRequest, "messages is required")
		return
	}
	reqs := make([]*ingest.SendRequest, len(req.Messages))
	for i := range req.Messages {
		reqs[i] = ingestRequest(&req.Messages[i])
	}
	results := s.orch.SendBatch(r.Context(), reqs)
	out := make([]*SendResultResponse, len(results))
	for i, res := range results {
		out[i] = sendResultResponse(res)
	}
	sendJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		CallerID  string `json:"caller_id"`
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.CallerID == "" || req.MessageID == "" {
		sendJSONError(w, http.StatusBadRequest, "caller_id and message_id are required")
		return
	}
	if err := s.orch.Recall(r.Context(), req.CallerID, req.MessageID); err != nil {
		s.writeOpError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"recalled": true})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		CallerID     string   `json:"caller_id"`
		MessageID    string   `json:"message_id"`
		RecipientIDs []string `json:"recipient_ids,omitempty"`
		GroupIDs     []string `json:"group_ids,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.CallerID == "" || req.MessageID == "" {
		sendJSONError(w, http.StatusBadRequest, "caller_id and message_id are required")
		return
	}
	if len(req.RecipientIDs)+len(req.GroupIDs) == 0 {
		sendJSONError(w, http.StatusBadRequest, "at least one forward target is required")
		return
	}
	results, err := s.orch.Forward(r.Context(), req.CallerID, req.MessageID, req.RecipientIDs, req.GroupIDs)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	out := make([]*SendResultResponse, len(results))
	for i, res := range results {
		out[i] = sendResultResponse(res)
	}
	sendJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		CallerID  string `json:"caller_id"`
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.CallerID == "" || req.MessageID == "" {
		sendJSONError(w, http.StatusBadRequest, "caller_id and message_id are required")
		return
	}
	result, err := s.orch.RetryFailed(r.Context(), req.CallerID, req.MessageID)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	sendJSON(w, resultStatus(result), sendResultResponse(result))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		CallerID   string   `json:"caller_id"`
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.CallerID == "" || len(req.MessageIDs) == 0 {
		sendJSONError(w, http.StatusBadRequest, "caller_id and message_ids are required")
		return
	}
	marked, err := s.orch.MarkRead(r.Context(), req.CallerID, req.MessageIDs)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]int{"marked": marked})
}

// writeOpError maps message-operation errors to HTTP statuses.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, ingest.ErrNotSender), errors.Is(err, ingest.ErrNotRecipient):
		sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ingest.ErrRecallWindowExceeded), errors.Is(err, ingest.ErrNotFailed):
		sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("message operation failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	params := store.HistoryParams{
		UserID:    q.Get("user_id"),
		PeerID:    q.Get("peer_id"),
		Kind:      store.ConversationKind(q.Get("kind")),
		Cursor:    q.Get("cursor"),
		Direction: store.HistoryDirection(q.Get("direction")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		params.Limit = n
	}
	page, err := s.history.History(r.Context(), params)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs := make([]*MessageResponse, len(page.Messages))
	for i, m := range page.Messages {
		msgs[i] = messageResponse(m)
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"messages":    msgs,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	params := store.SearchParams{
		UserID:  q.Get("user_id"),
		Keyword: q.Get("keyword"),
		GroupID: q.Get("group_id"),
	}
	if params.UserID == "" {
		sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Offset = n
		}
	}
	res, err := s.history.Search(r.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, history.ErrEmptyKeyword):
			sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, history.ErrNotGroupMember):
			sendJSONError(w, http.StatusForbidden, err.Error())
		default:
			s.logger.Error("search failed", "error", err)
			sendJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	msgs := make([]*MessageResponse, len(res.Messages))
	for i, m := range res.Messages {
		msgs[i] = messageResponse(m)
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    res.Total,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	params := store.StatsParams{UserID: q.Get("user_id")}
	if params.UserID == "" {
		sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"from", &params.From},
		{"to", &params.To},
	} {
		if v := q.Get(f.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				sendJSONError(w, http.StatusBadRequest, "invalid "+f.name+" timestamp")
				return
			}
			*f.dst = t
		}
	}
	stats, err := s.history.Stats(r.Context(), params)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	byType := make(map[string]int64, len(stats.ByType))
	for k, v := range stats.ByType {
		byType[string(k)] = v
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"sent":     stats.Sent,
		"received": stats.Received,
		"by_type":  byType,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	owner := q.Get("owner")
	if owner == "" {
		sendJSONError(w, http.StatusBadRequest, "owner is required")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	convs, err := s.db.ListConversations(r.Context(), owner, limit)
	if err != nil {
		s.logger.Error("listing conversations failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		out[i] = ConversationResponse{
			PeerID:        c.PeerID,
			Kind:          string(c.Kind),
			LastMessageID: c.LastMessageID,
			Snippet:       c.LastMessageSnippet,
			LastMessageAt: c.LastMessageAt,
			UnreadCount:   c.UnreadCount,
			IsPinned:      c.IsPinned,
			IsMuted:       c.IsMuted,
			Draft:         c.Draft,
		}
	}
	sendJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// conversationMutation parses the shared body shape of the conversation
// POST endpoints and returns false after writing the error response.
func conversationMutation(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

type conversationKeyRequest struct {
	Owner string `json:"owner"`
	Peer  string `json:"peer"`
	Kind  string `json:"kind"`
}

func (k *conversationKeyRequest) validate(w http.ResponseWriter) (store.ConversationKind, bool) {
	if k.Owner == "" || k.Peer == "" {
		sendJSONError(w, http.StatusBadRequest, "owner and peer are required")
		return "", false
	}
	kind := store.ConversationKind(k.Kind)
	if kind == "" {
		kind = store.KindSingle
	}
	return kind, true
}

func (s *Server) handleConversationRead(w http.ResponseWriter, r *http.Request) {
	var req conversationKeyRequest
	if !conversationMutation(w, r, &req) {
		return
	}
	kind, ok := req.validate(w)
	if !ok {
		return
	}
	if err := s.db.ResetUnread(r.Context(), req.Owner, req.Peer, kind); err != nil {
		s.logger.Error("resetting unread failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleConversationPin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		conversationKeyRequest
		Pinned bool `json:"pinned"`
	}
	if !conversationMutation(w, r, &req) {
		return
	}
	kind, ok := req.validate(w)
	if !ok {
		return
	}
	if err := s.db.SetPinned(r.Context(), req.Owner, req.Peer, kind, req.Pinned); err != nil {
		s.logger.Error("setting pin failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleConversationMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		conversationKeyRequest
		Muted bool `json:"muted"`
	}
	if !conversationMutation(w, r, &req) {
		return
	}
	kind, ok := req.validate(w)
	if !ok {
		return
	}
	if err := s.db.SetMuted(r.Context(), req.Owner, req.Peer, kind, req.Muted); err != nil {
		s.logger.Error("setting mute failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleConversationDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		conversationKeyRequest
		Draft string `json:"draft"`
	}
	if !conversationMutation(w, r, &req) {
		return
	}
	kind, ok := req.validate(w)
	if !ok {
		return
	}
	if err := s.db.SetDraft(r.Context(), req.Owner, req.Peer, kind, req.Draft); err != nil {
		s.logger.Error("setting draft failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleProvisionUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req ProvisionUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UID == "" {
		sendJSONError(w, http.StatusBadRequest, "uid is required")
		return
	}
	if err := s.users.CreateOrUpdateUser(r.Context(), broker.UpsertUserRequest{
		UID:  req.UID,
		Name: req.Name,
	}); err != nil {
		s.logger.Error("provisioning user failed", "uid", req.UID, "error", err)
		sendJSONError(w, http.StatusBadGateway, "broker unavailable")
		return
	}
	token := req.Token
	if token == "" {
		token = uuid.New().String()
	}
	token, err := s.users.GetUserToken(r.Context(), broker.TokenRequest{
		UID:                req.UID,
		Token:              token,
		DeviceFlag:         req.DeviceFlag,
		TokenExpireSeconds: req.TokenExpireSeconds,
	})
	if err != nil {
		s.logger.Error("registering token failed", "uid", req.UID, "error", err)
		sendJSONError(w, http.StatusBadGateway, "broker unavailable")
		return
	}
	sendJSON(w, http.StatusOK, ProvisionUserResponse{UID: req.UID, Token: token})
}

// handleGetMessages serves direct message lookups: a single message by id,
// or offset-paged lists by sender, recipient or group.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()

	if id := q.Get("id"); id != "" {
		msg, err := s.db.GetMessage(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				sendJSONError(w, http.StatusNotFound, "message not found")
				return
			}
			s.logger.Error("loading message failed", "error", err)
			sendJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		sendJSON(w, http.StatusOK, map[string]any{"message": messageResponse(msg)})
		return
	}

	limit, offset := 50, 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	var (
		msgs []*store.Message
		err  error
	)
	switch {
	case q.Get("sender_id") != "":
		msgs, err = s.db.ListBySender(r.Context(), q.Get("sender_id"), limit, offset)
	case q.Get("recipient_id") != "":
		msgs, err = s.db.ListByRecipient(r.Context(), q.Get("recipient_id"), limit, offset)
	case q.Get("group_id") != "":
		msgs, err = s.db.ListByGroup(r.Context(), q.Get("group_id"), limit, offset)
	default:
		sendJSONError(w, http.StatusBadRequest, "id, sender_id, recipient_id or group_id is required")
		return
	}
	if err != nil {
		s.logger.Error("listing messages failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]*MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = messageResponse(m)
	}
	sendJSON(w, http.StatusOK, map[string]any{"messages": out})
}
