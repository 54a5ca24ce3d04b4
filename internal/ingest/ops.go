// ABOUTME: Post-send operations: recall, forward, retry-failed, mark-read
// ABOUTME: Each operates on committed rows; none re-enters the dedupe engine

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/halcyon-im/halcyon/internal/broker"
	"github.com/halcyon-im/halcyon/internal/store"
)

var (
	// ErrRecallWindowExceeded means the message is too old to recall.
	ErrRecallWindowExceeded = errors.New("recall-window-exceeded")
	// ErrNotSender means the caller does not own the message.
	ErrNotSender = errors.New("only the sender may perform this operation")
	// ErrNotRecipient means the caller is not the message's recipient.
	ErrNotRecipient = errors.New("only the recipient may mark a message read")
	// ErrNotFailed means a retry was requested for a message not in failed.
	ErrNotFailed = errors.New("message is not in failed status")
)

const recalledSnippet = "[Recalled]"

// Recall retracts a message the caller sent within the recall window. The
// channel learns about it through a system message, and conversation
// previews pointing at the recalled row are rewritten.
func (o *Orchestrator) Recall(ctx context.Context, callerID, messageID string) error {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("loading message: %w", err)
	}
	if msg.SenderID != callerID {
		return ErrNotSender
	}
	if time.Since(msg.CreatedAt) > o.recallWindow {
		return ErrRecallWindowExceeded
	}

	now := time.Now()
	changed, err := o.store.MarkRecalled(ctx, messageID, now)
	if err != nil {
		return fmt.Errorf("marking recalled: %w", err)
	}
	if !changed {
		return fmt.Errorf("message %s cannot be recalled from its current status: %w",
			messageID, store.ErrInvalidTransition)
	}

	if _, err := o.store.UpdateSnippetIfLast(ctx, messageID, recalledSnippet); err != nil {
		o.logger.Warn("snippet repair after recall failed", "message_id", messageID, "error", err)
	}

	o.notifyChannel(ctx, msg, &store.SystemContent{
		Event: "message_recalled",
		Text:  messageID,
	})
	return nil
}

// Forward re-sends an existing message's content to new targets through the
// normal pipeline. Each target produces an independent SendResult.
func (o *Orchestrator) Forward(ctx context.Context, callerID, messageID string, recipientIDs, groupIDs []string) ([]*SendResult, error) {
	original, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}

	results := make([]*SendResult, 0, len(recipientIDs)+len(groupIDs))
	forward := func(recipientID, groupID string) {
		results = append(results, o.Send(ctx, &SendRequest{
			SenderID:      callerID,
			RecipientID:   recipientID,
			GroupID:       groupID,
			Type:          original.Type,
			Content:       json.RawMessage(original.Content),
			ForwardFromID: original.ID,
		}))
	}
	for _, uid := range recipientIDs {
		forward(uid, "")
	}
	for _, gid := range groupIDs {
		forward("", gid)
	}
	return results, nil
}

// RetryFailed re-enters broker delivery for a message that exhausted its
// budget. Conversation rows are not re-projected on success: the original
// fan-out already linked them.
func (o *Orchestrator) RetryFailed(ctx context.Context, callerID, messageID string) (*SendResult, error) {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	if msg.SenderID != callerID {
		return nil, ErrNotSender
	}
	if msg.Status != store.StatusFailed {
		return nil, ErrNotFailed
	}

	changed, err := o.store.UpdateMessageStatus(ctx, messageID, store.StatusSending)
	if err != nil {
		return nil, fmt.Errorf("re-entering sending: %w", err)
	}
	if !changed {
		return nil, ErrNotFailed
	}
	msg.Status = store.StatusSending

	content, err := store.DecodeContent(msg.Type, msg.Content)
	if err != nil {
		o.markFailed(ctx, msg)
		return nil, fmt.Errorf("decoding stored content: %w", err)
	}
	payload, err := broker.EncodePayload(content)
	if err != nil {
		o.markFailed(ctx, msg)
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	convID, kind := conversationOf(msg.SenderID, msg.RecipientID, msg.GroupID)
	err = o.sendWithRetry(ctx, broker.SendRequest{
		ChannelID:   convID,
		ChannelType: kind,
		FromUID:     msg.SenderID,
		Payload:     payload,
		ClientMsgNo: msg.ID,
	}, msg.ID)
	if err != nil {
		o.markFailed(ctx, msg)
		o.count(OutcomeFailed)
		return &SendResult{Message: msg, Error: fmt.Sprintf("broker send: %v", err)}, nil
	}

	if _, err := o.store.UpdateMessageStatus(ctx, msg.ID, store.StatusSent); err != nil {
		o.logger.Error("status update to sent failed", "message_id", msg.ID, "error", err)
	} else {
		msg.Status = store.StatusSent
	}
	o.count(OutcomeSent)
	return &SendResult{Success: true, Message: msg}, nil
}

// MarkRead applies caller-side read marking: a forward CAS per message, an
// unread decrement for each row that actually changed, and a read receipt
// into the channel when the sender asked for one.
func (o *Orchestrator) MarkRead(ctx context.Context, callerID string, messageIDs []string) (int, error) {
	var marked int
	for _, id := range messageIDs {
		msg, err := o.store.GetMessage(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return marked, fmt.Errorf("loading message %s: %w", id, err)
		}
		if msg.GroupID == "" && msg.RecipientID != callerID {
			return marked, ErrNotRecipient
		}

		changed, err := o.store.UpdateMessageStatus(ctx, id, store.StatusRead)
		if err != nil {
			return marked, fmt.Errorf("marking %s read: %w", id, err)
		}
		if !changed {
			continue
		}
		marked++

		peer, kind := msg.ConversationKey()
		owner := callerID
		if kind == store.KindSingle {
			peer = msg.SenderID
		}
		if err := o.store.AddUnread(ctx, owner, peer, kind, -1); err != nil {
			o.logger.Warn("unread decrement failed", "owner", owner, "peer", peer, "error", err)
		}

		if msg.NeedReadReceipt {
			o.notifyChannel(ctx, msg, &store.SystemContent{
				Event: "read_receipt",
				Text:  msg.ID,
			})
		}
	}
	return marked, nil
}

// notifyChannel pushes a system payload into the message's channel,
// best-effort with the normal retry policy.
func (o *Orchestrator) notifyChannel(ctx context.Context, msg *store.Message, content *store.SystemContent) {
	payload, err := broker.EncodePayload(content)
	if err != nil {
		o.logger.Error("encoding system payload failed", "event", content.Event, "error", err)
		return
	}
	convID, kind := conversationOf(msg.SenderID, msg.RecipientID, msg.GroupID)
	if _, err := o.broker.SendMessage(ctx, broker.SendRequest{
		ChannelID:   convID,
		ChannelType: kind,
		FromUID:     msg.SenderID,
		Payload:     payload,
		ClientMsgNo: msg.ID + ":" + content.Event,
	}); err != nil {
		o.logger.Warn("system notification failed",
			"event", content.Event, "channel_id", convID, "error", err)
	}
}
