// ABOUTME: Channel lifecycle and membership calls: create/delete/info, subscribers, deny and allow lists
// ABOUTME: Group channels mirror group membership; personal channels exist implicitly

package broker

import (
	"context"
	"fmt"
)

// channelRef identifies a channel in mutation requests.
type channelRef struct {
	ChannelID   string      `json:"channel_id"`
	ChannelType ChannelKind `json:"channel_type"`
}

// subscriberReq adds or removes uids on a channel list.
type subscriberReq struct {
	channelRef
	UIDs []string `json:"uids"`
}

// ChannelInfo describes a channel as the broker sees it.
type ChannelInfo struct {
	ChannelID       string      `json:"channel_id"`
	ChannelType     ChannelKind `json:"channel_type"`
	SubscriberCount int         `json:"subscriber_count"`
	Ban             bool        `json:"ban"`
	Disband         bool        `json:"disband"`
}

// CreateChannel registers a channel with an initial subscriber set.
func (c *Client) CreateChannel(ctx context.Context, channelID string, kind ChannelKind, subscribers []string) error {
	body := struct {
		channelRef
		Subscribers []string `json:"subscribers,omitempty"`
	}{channelRef{channelID, kind}, subscribers}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel", body, nil); err != nil {
		return fmt.Errorf("creating channel %s: %w", channelID, err)
	}
	return nil
}

// DeleteChannel removes a channel and its subscriber lists.
func (c *Client) DeleteChannel(ctx context.Context, channelID string, kind ChannelKind) error {
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/delete", channelRef{channelID, kind}, nil); err != nil {
		return fmt.Errorf("deleting channel %s: %w", channelID, err)
	}
	return nil
}

// GetChannelInfo fetches channel state.
func (c *Client) GetChannelInfo(ctx context.Context, channelID string, kind ChannelKind) (*ChannelInfo, error) {
	var out ChannelInfo
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/info", channelRef{channelID, kind}, &out); err != nil {
		return nil, fmt.Errorf("fetching channel %s: %w", channelID, err)
	}
	return &out, nil
}

// AddSubscribers subscribes uids to a channel.
func (c *Client) AddSubscribers(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	req := subscriberReq{channelRef{channelID, kind}, uids}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/subscriber_add", req, nil); err != nil {
		return fmt.Errorf("adding subscribers to %s: %w", channelID, err)
	}
	return nil
}

// RemoveSubscribers unsubscribes uids from a channel.
func (c *Client) RemoveSubscribers(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	req := subscriberReq{channelRef{channelID, kind}, uids}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/subscriber_remove", req, nil); err != nil {
		return fmt.Errorf("removing subscribers from %s: %w", channelID, err)
	}
	return nil
}

// ListSubscribers returns the channel's current subscriber uids.
func (c *Client) ListSubscribers(ctx context.Context, channelID string, kind ChannelKind) ([]string, error) {
	var out struct {
		UIDs []string `json:"uids"`
	}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/subscribers", channelRef{channelID, kind}, &out); err != nil {
		return nil, fmt.Errorf("listing subscribers of %s: %w", channelID, err)
	}
	return out.UIDs, nil
}

// AddDenylist blocks uids from receiving on a channel.
func (c *Client) AddDenylist(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	req := subscriberReq{channelRef{channelID, kind}, uids}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/blacklist_add", req, nil); err != nil {
		return fmt.Errorf("adding denylist on %s: %w", channelID, err)
	}
	return nil
}

// RemoveDenylist unblocks uids on a channel.
func (c *Client) RemoveDenylist(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	req := subscriberReq{channelRef{channelID, kind}, uids}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/blacklist_remove", req, nil); err != nil {
		return fmt.Errorf("removing denylist on %s: %w", channelID, err)
	}
	return nil
}

// AddAllowlist restricts a channel to the given senders. While an allowlist
// exists, uids outside it cannot post.
func (c *Client) AddAllowlist(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	req := subscriberReq{channelRef{channelID, kind}, uids}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/whitelist_add", req, nil); err != nil {
		return fmt.Errorf("adding allowlist on %s: %w", channelID, err)
	}
	return nil
}

// RemoveAllowlist lifts allowlist entries from a channel.
func (c *Client) RemoveAllowlist(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	req := subscriberReq{channelRef{channelID, kind}, uids}
	if err := c.post(ctx, c.httpClient, c.baseURL+"/channel/whitelist_remove", req, nil); err != nil {
		return fmt.Errorf("removing allowlist on %s: %w", channelID, err)
	}
	return nil
}
