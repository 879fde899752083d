// Package confd talks to the configuration directory service. The engine
// only needs one lookup from it: a user's main line and its dialing
// context, used to resolve where "transfer my current call to extension
// X" should dial.
package confd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sebas/switchyard/internal/calld/apierr"
)

// ClientConfig holds connection settings for the directory service.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client performs directory lookups.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a directory client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type userResponse struct {
	UUID  string `json:"uuid"`
	Lines []struct {
		ID      int    `json:"id"`
		Context string `json:"context"`
	} `json:"lines"`
}

// UserLineContext returns the dialing context of the user's main line.
// The first line in the directory's ordering is the main one.
func (c *Client) UserLineContext(ctx context.Context, userUUID string) (string, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/users/" + url.PathEscape(userUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build user lookup: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.unreachable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", apierr.New(400, "invalid-user", "Invalid user: not found", map[string]any{
			"user_uuid": userUUID,
		})
	case resp.StatusCode >= 500:
		return "", c.unreachable(fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("user lookup %s: status %d", userUUID, resp.StatusCode)
	}

	var user userResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode user %s: %w", userUUID, err)
	}

	if len(user.Lines) == 0 || user.Lines[0].Context == "" {
		return "", apierr.New(400, "user-has-no-line", "Invalid user: user has no line", map[string]any{
			"user_uuid": userUUID,
		})
	}
	return user.Lines[0].Context, nil
}

func (c *Client) unreachable(cause error) error {
	return apierr.New(503, "confd-unreachable", "Directory service unreachable", map[string]any{
		"confd_url":      c.cfg.BaseURL,
		"original_error": cause.Error(),
	})
}
