// ABOUTME: User provisioning, token issuance and broker system introspection
// ABOUTME: These calls target the manager URL, which may be a separate listener

package broker

import (
	"context"
	"fmt"
)

// UpsertUserRequest registers or refreshes a broker-side user.
type UpsertUserRequest struct {
	UID        string `json:"uid"`
	Name       string `json:"name,omitempty"`
	AvatarURL  string `json:"avatar,omitempty"`
	DeviceFlag int    `json:"device_flag,omitempty"`
}

// TokenRequest asks the broker to mint a connection token for a user.
type TokenRequest struct {
	UID                string `json:"uid"`
	Token              string `json:"token"`
	DeviceFlag         int    `json:"device_flag"`
	TokenExpireSeconds int    `json:"token_expire_seconds,omitempty"`
}

// UserInfo is the broker's view of a user's connection state.
type UserInfo struct {
	UID         string `json:"uid"`
	Online      bool   `json:"online"`
	DeviceCount int    `json:"device_count"`
}

// SystemInfo is the broker's runtime snapshot.
type SystemInfo struct {
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Uptime      int64  `json:"uptime"`
}

// CreateOrUpdateUser provisions a user on the broker.
func (c *Client) CreateOrUpdateUser(ctx context.Context, req UpsertUserRequest) error {
	if err := c.post(ctx, c.httpClient, c.managerURL+"/user", req, nil); err != nil {
		return fmt.Errorf("upserting broker user %s: %w", req.UID, err)
	}
	return nil
}

// GetUserToken registers a connection token for a user and returns it. The
// token value is caller-supplied; the broker binds it to the uid.
func (c *Client) GetUserToken(ctx context.Context, req TokenRequest) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, c.httpClient, c.managerURL+"/user/token", req, &out); err != nil {
		return "", fmt.Errorf("issuing token for %s: %w", req.UID, err)
	}
	if out.Token == "" {
		out.Token = req.Token
	}
	return out.Token, nil
}

// GetUserInfo returns connection state for a user.
func (c *Client) GetUserInfo(ctx context.Context, uid string) (*UserInfo, error) {
	var out UserInfo
	if err := c.get(ctx, c.managerURL+"/user/info?uid="+uid, &out); err != nil {
		return nil, fmt.Errorf("fetching broker user %s: %w", uid, err)
	}
	return &out, nil
}

// Health probes the broker's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	if err := c.get(ctx, c.baseURL+"/health", nil); err != nil {
		return fmt.Errorf("broker health: %w", err)
	}
	return nil
}

// GetSystemInfo returns the broker's runtime snapshot.
func (c *Client) GetSystemInfo(ctx context.Context) (*SystemInfo, error) {
	var out SystemInfo
	if err := c.get(ctx, c.managerURL+"/varz", &out); err != nil {
		return nil, fmt.Errorf("fetching broker system info: %w", err)
	}
	return &out, nil
}
