package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClientConfig holds connection settings for the call-control HTTP API.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "http://localhost:8088/ari".
	BaseURL  string
	Username string
	Password string
	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://localhost:8088/ari",
		RequestTimeout: 10 * time.Second,
	}
}

// HTTPClient talks to the call-control endpoint over its REST API.
type HTTPClient struct {
	cfg      ClientConfig
	http     *http.Client
	channels *channelsClient
	bridges  *bridgesClient
}

// NewHTTPClient creates a client for the call-control REST API.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	c := &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
	c.channels = &channelsClient{c}
	c.bridges = &bridgesClient{c}
	return c
}

// Channels implements Client.
func (c *HTTPClient) Channels() Channels { return c.channels }

// Bridges implements Client.
func (c *HTTPClient) Bridges() Bridges { return c.bridges }

// Ping implements Client by probing the endpoint info resource.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/asterisk/info", nil, nil, nil)
}

// do performs one request against the API. A nil out skips body decoding.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RequestError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(raw)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// --- Channels ---

type channelsClient struct {
	c *HTTPClient
}

func (cc *channelsClient) Get(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	if err := cc.c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(id), nil, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (cc *channelsClient) List(ctx context.Context) ([]Channel, error) {
	var chans []Channel
	if err := cc.c.do(ctx, http.MethodGet, "/channels", nil, nil, &chans); err != nil {
		return nil, err
	}
	return chans, nil
}

func (cc *channelsClient) Hangup(ctx context.Context, id string) error {
	return cc.c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(id), nil, nil, nil)
}

func (cc *channelsClient) Ring(ctx context.Context, id string) error {
	return cc.c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(id)+"/ring", nil, nil, nil)
}

func (cc *channelsClient) RingStop(ctx context.Context, id string) error {
	return cc.c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(id)+"/ring", nil, nil, nil)
}

// Hold parks the channel and starts hold music so the party hears
// something while the session is being arranged.
func (cc *channelsClient) Hold(ctx context.Context, id string) error {
	if err := cc.c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(id)+"/hold", nil, nil, nil); err != nil {
		return err
	}
	return cc.c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(id)+"/moh", nil, nil, nil)
}

func (cc *channelsClient) Unhold(ctx context.Context, id string) error {
	if err := cc.c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(id)+"/moh", nil, nil, nil); err != nil {
		return err
	}
	return cc.c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(id)+"/hold", nil, nil, nil)
}

func (cc *channelsClient) GetVar(ctx context.Context, id, name string) (string, error) {
	query := url.Values{"variable": []string{name}}
	var out struct {
		Value string `json:"value"`
	}
	if err := cc.c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(id)+"/variable", query, nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (cc *channelsClient) SetVar(ctx context.Context, id, name, value string) error {
	query := url.Values{
		"variable": []string{name},
		"value":    []string{value},
	}
	return cc.c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(id)+"/variable", query, nil, nil)
}

func (cc *channelsClient) Originate(ctx context.Context, req OriginateRequest) (*Channel, error) {
	query := url.Values{
		"endpoint": []string{req.Endpoint},
	}
	if req.App != "" {
		query.Set("app", req.App)
	}
	if len(req.AppArgs) > 0 {
		query.Set("appArgs", strings.Join(req.AppArgs, ","))
	}
	if req.CallerID != "" {
		query.Set("callerId", req.CallerID)
	}

	var body any
	if len(req.Variables) > 0 {
		body = map[string]any{"variables": req.Variables}
	}

	var ch Channel
	if err := cc.c.do(ctx, http.MethodPost, "/channels", query, body, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// --- Bridges ---

type bridgesClient struct {
	c *HTTPClient
}

func (bc *bridgesClient) Create(ctx context.Context, req BridgeCreateRequest) (*Bridge, error) {
	query := url.Values{}
	if req.Type != "" {
		query.Set("type", req.Type)
	}
	if req.Name != "" {
		query.Set("name", req.Name)
	}

	path := "/bridges"
	if req.ID != "" {
		path = "/bridges/" + url.PathEscape(req.ID)
	}

	var b Bridge
	if err := bc.c.do(ctx, http.MethodPost, path, query, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (bc *bridgesClient) Get(ctx context.Context, id string) (*Bridge, error) {
	var b Bridge
	if err := bc.c.do(ctx, http.MethodGet, "/bridges/"+url.PathEscape(id), nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (bc *bridgesClient) List(ctx context.Context) ([]Bridge, error) {
	var bridges []Bridge
	if err := bc.c.do(ctx, http.MethodGet, "/bridges", nil, nil, &bridges); err != nil {
		return nil, err
	}
	return bridges, nil
}

func (bc *bridgesClient) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	query := url.Values{"channel": []string{channelID}}
	return bc.c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", query, nil, nil)
}

func (bc *bridgesClient) Destroy(ctx context.Context, id string) error {
	return bc.c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(id), nil, nil, nil)
}

// Bridge variables ride on namespaced global variables since the endpoint
// has no per-bridge variable store. The bridge must exist when setting.
func (bc *bridgesClient) GetVar(ctx context.Context, bridgeID, name string) (string, error) {
	query := url.Values{"variable": []string{bridgeVarName(bridgeID, name)}}
	var out struct {
		Value string `json:"value"`
	}
	if err := bc.c.do(ctx, http.MethodGet, "/asterisk/variable", query, nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (bc *bridgesClient) SetVar(ctx context.Context, bridgeID, name, value string) error {
	if _, err := bc.Get(ctx, bridgeID); err != nil {
		return err
	}
	query := url.Values{
		"variable": []string{bridgeVarName(bridgeID, name)},
		"value":    []string{value},
	}
	return bc.c.do(ctx, http.MethodPost, "/asterisk/variable", query, nil, nil)
}

func bridgeVarName(bridgeID, name string) string {
	return fmt.Sprintf("SWITCHYARD_BRIDGE_%s_%s", bridgeID, name)
}

// Ensure HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)
