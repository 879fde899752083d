// Package amid talks to the AMI relay daemon. The engine uses it for the
// two things the call-control REST API cannot do: checking that an
// extension exists in a dialing context, and redirecting legs that are
// not yet under engine control into the control application.
package amid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sebas/switchyard/internal/calld/apierr"
)

// ClientConfig holds connection settings for the AMI relay daemon.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client performs AMI actions over the relay daemon's HTTP API.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates an AMI relay client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// actionResponse is one message of an action's response list.
type actionResponse struct {
	Response string `json:"Response"`
	Event    string `json:"Event"`
	Message  string `json:"Message"`
}

// ExtensionExists reports whether exten can be dialed in context.
func (c *Client) ExtensionExists(ctx context.Context, dialContext, exten string) (bool, error) {
	responses, err := c.action(ctx, "ShowDialPlan", map[string]string{
		"Context":   dialContext,
		"Extension": exten,
	})
	if err != nil {
		return false, err
	}
	for _, r := range responses {
		if strings.EqualFold(r.Response, "Error") {
			return false, nil
		}
		if strings.EqualFold(r.Event, "ListDialplan") {
			return true, nil
		}
	}
	return false, nil
}

// Redirect moves a live channel into the given dialplan position. Used to
// pull legs under engine control before a session starts.
func (c *Client) Redirect(ctx context.Context, channelName, dialContext, exten string, priority int, extraChannelName string) error {
	args := map[string]string{
		"Channel":  channelName,
		"Context":  dialContext,
		"Exten":    exten,
		"Priority": fmt.Sprintf("%d", priority),
	}
	if extraChannelName != "" {
		args["ExtraChannel"] = extraChannelName
		args["ExtraContext"] = dialContext
		args["ExtraExten"] = exten
		args["ExtraPriority"] = fmt.Sprintf("%d", priority)
	}

	responses, err := c.action(ctx, "Redirect", args)
	if err != nil {
		return err
	}
	for _, r := range responses {
		if strings.EqualFold(r.Response, "Error") {
			return fmt.Errorf("redirect %s: %s", channelName, r.Message)
		}
	}
	return nil
}

func (c *Client) action(ctx context.Context, name string, args map[string]string) ([]actionResponse, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode action %s: %w", name, err)
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/action/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build action %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.unreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, c.unreachable(fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("action %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var responses []actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		return nil, fmt.Errorf("decode action %s response: %w", name, err)
	}
	return responses, nil
}

func (c *Client) unreachable(cause error) error {
	return apierr.New(503, "amid-unreachable", "AMI relay daemon unreachable", map[string]any{
		"amid_url":       c.cfg.BaseURL,
		"original_error": cause.Error(),
	})
}
