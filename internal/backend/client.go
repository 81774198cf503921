// Package backend speaks to one llama.cpp-style inference server: model
// discovery, slot save/restore, and chat completions pinned to a slot.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HTTPError carries a non-2xx upstream status and body so the handler can
// mirror them to the client.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Client talks to a single backend URL. Chat calls use a timeout-bounded
// client; save/restore RPCs get a separate, far more generous ceiling because
// a snapshot may move gigabytes; streaming requests use a client with no
// timeout at all. All three share one pooled transport.
type Client struct {
	baseURL      string
	apiKey       string
	logger       zerolog.Logger
	httpClient   *http.Client
	slotClient   *http.Client
	streamClient *http.Client

	mu      sync.Mutex
	modelID string
}

// New creates a Client for baseURL. requestTimeout bounds chat calls,
// slotOpTimeout bounds save/restore. apiKey may be empty; when set it is sent
// as a Bearer token.
func New(baseURL string, requestTimeout, slotOpTimeout time.Duration, apiKey string, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		slotClient: &http.Client{
			Transport: transport,
			Timeout:   slotOpTimeout,
		},
		streamClient: &http.Client{
			Transport: transport,
			// No timeout for streaming.
		},
	}
}

// BaseURL returns the backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ModelID returns the backend's canonical model id, queried lazily from
// /v1/models and memoized for the process lifetime on first success.
func (c *Client) ModelID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modelID != "" {
		return c.modelID, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return "", fmt.Errorf("creating models request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying %s/v1/models: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("models endpoint returned status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding models response: %w", err)
	}
	if len(out.Data) == 0 || out.Data[0].ID == "" {
		return "", fmt.Errorf("models endpoint returned no models")
	}

	c.modelID = out.Data[0].ID
	c.logger.Debug().Str("model_id", c.modelID).Msg("backend model discovered")
	return c.modelID, nil
}

// RestoreSlot asks the backend to load the snapshot addressed by key into
// localSlot. Returns true on 2xx; 4xx/5xx and transport errors come back as
// false, never as an error; a failed restore degrades to a cache miss.
func (c *Client) RestoreSlot(ctx context.Context, localSlot int, key string) bool {
	return c.slotAction(ctx, localSlot, key, "restore")
}

// SaveSlot asks the backend to persist the current KV tensors of localSlot
// under key. Same return discipline as RestoreSlot.
func (c *Client) SaveSlot(ctx context.Context, localSlot int, key string) bool {
	return c.slotAction(ctx, localSlot, key, "save")
}

func (c *Client) slotAction(ctx context.Context, localSlot int, key, action string) bool {
	body, err := json.Marshal(map[string]string{"filename": key + ".bin"})
	if err != nil {
		c.logger.Error().Err(err).Str("action", action).Msg("slot rpc marshal failed")
		return false
	}

	endpoint := fmt.Sprintf("%s/slots/%d?action=%s", c.baseURL, localSlot, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Error().Err(err).Str("action", action).Msg("slot rpc request failed")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.slotClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("action", action).Int("slot", localSlot).Msg("slot rpc transport error")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		c.logger.Warn().Int("status", resp.StatusCode).Str("action", action).Int("slot", localSlot).Msg("slot rpc rejected")
	}
	return ok
}

// ChatCompletions posts a buffered chat-completion request targeting slotID.
// It returns the parsed JSON body (any JSON value; a non-object body is the
// caller's 502 signal), an *HTTPError for non-2xx upstream statuses, or a
// transport error.
func (c *Client) ChatCompletions(ctx context.Context, body map[string]interface{}, slotID int) (interface{}, error) {
	resp, err := c.dispatch(ctx, body, slotID, c.httpClient)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chat response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: data}
	}

	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		// Hand the raw text back; the handler turns a non-object into 502.
		return string(data), nil
	}
	return out, nil
}

// ChatCompletionsStream posts the same request shape but returns the raw
// response for the caller to stream. On non-2xx the caller reads and closes;
// on 2xx the caller must consume bytes and eventually close.
func (c *Client) ChatCompletionsStream(ctx context.Context, body map[string]interface{}, slotID int) (*http.Response, error) {
	return c.dispatch(ctx, body, slotID, c.streamClient)
}

func (c *Client) dispatch(ctx context.Context, body map[string]interface{}, slotID int, client *http.Client) (*http.Response, error) {
	pinned := pinSlot(body, slotID)

	data, err := json.Marshal(pinned)
	if err != nil {
		return nil, fmt.Errorf("marshalling chat request: %w", err)
	}

	endpoint, err := url.Parse(c.baseURL + "/v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	q := endpoint.Query()
	q.Set("slot_id", strconv.Itoa(slotID))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding to backend %s: %w", c.baseURL, err)
	}
	return resp, nil
}

// pinSlot replicates the slot pin three ways (top level, options sub-object
// with both slot_id and id_slot spellings, and the query parameter added by
// dispatch) because different backend versions accept different spellings.
// Do not collapse to a single spelling without confirming every supported
// backend.
func pinSlot(body map[string]interface{}, slotID int) map[string]interface{} {
	out := make(map[string]interface{}, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	out["slot_id"] = slotID
	out["id_slot"] = slotID

	opts := make(map[string]interface{})
	if prev, ok := out["options"].(map[string]interface{}); ok {
		for k, v := range prev {
			opts[k] = v
		}
	}
	opts["slot_id"] = slotID
	opts["id_slot"] = slotID
	out["options"] = opts

	return out
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
