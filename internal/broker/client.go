// ABOUTME: Typed REST client for the realtime channel broker
// ABOUTME: Stateless request plumbing; retry policy lives in the ingest orchestrator

package broker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/halcyon-im/halcyon/internal/store"
)

// ChannelKind discriminates broker channel types on the wire
type ChannelKind int

const (
	ChannelPerson ChannelKind = 1
	ChannelGroup  ChannelKind = 2
)

const (
	defaultTimeout = 10 * time.Second
	batchTimeout   = 30 * time.Second
)

// StatusError is a non-2xx reply from the broker. 4xx replies are
// permanent; 5xx may succeed on retry.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the error is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500
}

// Client talks to the broker's REST surface. Channel and message calls go
// to the base URL; user provisioning and system info go to the manager URL.
type Client struct {
	baseURL    string
	managerURL string
	httpClient *http.Client
	batch      *http.Client
	logger     *slog.Logger
}

// New creates a broker client. managerURL may equal baseURL when the
// broker runs without a separate manager listener.
func New(baseURL, managerURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if managerURL == "" {
		managerURL = baseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		managerURL: strings.TrimSuffix(managerURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		batch:      &http.Client{Timeout: batchTimeout},
		logger:     logger.With("component", "broker"),
	}
}

// PersonalChannelID derives the canonical channel id shared by two users:
// the lexicographically sorted uids joined by an underscore.
func PersonalChannelID(uidA, uidB string) string {
	pair := []string{uidA, uidB}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}

// EncodePayload converts a typed content struct into the broker's opaque
// base64 payload blob.
func EncodePayload(content store.Content) (string, error) {
	raw, err := store.EncodeContent(content)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(msgType store.MessageType, payload string) (store.Content, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return store.DecodeContent(msgType, raw)
}

// post issues a JSON POST and decodes the reply into out (skipped when nil).
func (c *Client) post(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// get issues a GET and decodes the reply into out.
func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
