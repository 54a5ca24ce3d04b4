// ABOUTME: Message send, batch send and sync calls against the broker REST API
// ABOUTME: Payloads travel as opaque base64 blobs; the broker never sees message structure

package broker

import (
	"context"
	"fmt"
)

// SendRequest is the wire shape of a single broker send.
type SendRequest struct {
	ChannelID   string      `json:"channel_id"`
	ChannelType ChannelKind `json:"channel_type"`
	FromUID     string      `json:"from_uid"`
	Payload     string      `json:"payload"`
	ClientMsgNo string      `json:"client_msg_no"`
}

// SendResult is the broker's acknowledgement of an accepted message.
type SendResult struct {
	MessageID   string `json:"message_id"`
	MessageSeq  int64  `json:"message_seq"`
	ClientMsgNo string `json:"client_msg_no"`
}

// BatchItemResult is one outcome in a batch send reply.
type BatchItemResult struct {
	ClientMsgNo string `json:"client_msg_no"`
	MessageID   string `json:"message_id"`
	MessageSeq  int64  `json:"message_seq"`
	Status      int    `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// Message is a broker-side stored message returned by SyncMessages.
type Message struct {
	MessageID   string      `json:"message_id"`
	MessageSeq  int64       `json:"message_seq"`
	ClientMsgNo string      `json:"client_msg_no"`
	ChannelID   string      `json:"channel_id"`
	ChannelType ChannelKind `json:"channel_type"`
	FromUID     string      `json:"from_uid"`
	Payload     string      `json:"payload"`
	Timestamp   int64       `json:"timestamp"`
}

// SyncRequest asks the broker for messages past a seq watermark.
type SyncRequest struct {
	UID         string      `json:"uid"`
	ChannelID   string      `json:"channel_id,omitempty"`
	ChannelType ChannelKind `json:"channel_type,omitempty"`
	LastSeq     int64       `json:"last_message_seq,omitempty"`
	Limit       int         `json:"limit"`
}

// SendMessage delivers one payload into a channel.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	var out SendResult
	if err := c.post(ctx, c.httpClient, c.baseURL+"/message/send", req, &out); err != nil {
		return nil, fmt.Errorf("broker send: %w", err)
	}
	return &out, nil
}

// SendBatch delivers several payloads in one round trip. The broker replies
// per item; a failed item does not fail the batch.
func (c *Client) SendBatch(ctx context.Context, reqs []SendRequest) ([]BatchItemResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	var out struct {
		Results []BatchItemResult `json:"results"`
	}
	body := struct {
		Messages []SendRequest `json:"messages"`
	}{Messages: reqs}
	if err := c.post(ctx, c.batch, c.baseURL+"/message/sendbatch", body, &out); err != nil {
		return nil, fmt.Errorf("broker batch send: %w", err)
	}
	return out.Results, nil
}

// SyncMessages pulls channel messages the given user has not seen yet.
func (c *Client) SyncMessages(ctx context.Context, req SyncRequest) ([]Message, error) {
	if req.Limit <= 0 {
		req.Limit = 100
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/messagesync", req, &out); err != nil {
		return nil, fmt.Errorf("broker sync: %w", err)
	}
	return out.Messages, nil
}
