package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the remote document service over its JSON REST API.
// It carries no rate limiting or retries of its own; wrap it with
// NewLimited for production use.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the service at baseURL authenticating
// with the given bearer token. The HTTP client carries no overall timeout;
// per-attempt timeouts come from the caller's context.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
	}
}

type wireNode struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id"`
	Kind     string    `json:"kind"`
	Title    string    `json:"title"`
	MTime    time.Time `json:"mtime"`
	URL      string    `json:"url"`
}

func (n wireNode) toNode() TreeNode {
	return TreeNode{
		ID:       n.ID,
		ParentID: n.ParentID,
		Kind:     Kind(n.Kind),
		Title:    n.Title,
		MTime:    n.MTime,
		URL:      n.URL,
	}
}

// doJSON performs one request and decodes the JSON response into out (when
// out is non-nil). Non-2xx responses become APIError.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// FetchTree implements Client.
func (c *HTTPClient) FetchTree(ctx context.Context, rootID string, fn func(TreeNode) error) error {
	var resp struct {
		Nodes []wireNode `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(rootID)+"/tree", nil, &resp); err != nil {
		return err
	}
	for _, n := range resp.Nodes {
		if err := fn(n.toNode()); err != nil {
			return err
		}
	}
	return nil
}

// FetchContent implements Client.
func (c *HTTPClient) FetchContent(ctx context.Context, id string) (*Content, error) {
	var resp struct {
		Markdown   string         `json:"markdown"`
		Properties map[string]any `json:"properties"`
		Schema     map[string]any `json:"schema"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(id)+"/content", nil, &resp); err != nil {
		return nil, err
	}
	return &Content{
		Markdown:   []byte(resp.Markdown),
		Properties: resp.Properties,
		Schema:     resp.Schema,
	}, nil
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, req CreateRequest) (*TreeNode, error) {
	body := map[string]any{
		"parent_id":  req.ParentID,
		"kind":       string(req.Kind),
		"title":      req.Title,
		"markdown":   string(req.Markdown),
		"properties": req.Properties,
		"schema":     req.Schema,
	}
	var resp wireNode
	if err := c.doJSON(ctx, http.MethodPost, "/v1/documents", body, &resp); err != nil {
		return nil, err
	}
	node := resp.toNode()
	return &node, nil
}

// Update implements Client.
func (c *HTTPClient) Update(ctx context.Context, id string, patch Patch) (time.Time, error) {
	body := map[string]any{
		"markdown":   string(patch.Markdown),
		"ops":        patch.Ops,
		"properties": patch.Properties,
		"schema":     patch.Schema,
	}
	if patch.Title != "" {
		body["title"] = patch.Title
	}
	var resp struct {
		MTime time.Time `json:"mtime"`
	}
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/documents/"+url.PathEscape(id), body, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.MTime, nil
}

// Delete implements Client.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/documents/"+url.PathEscape(id), nil, nil)
}

// FindChild implements Client.
func (c *HTTPClient) FindChild(ctx context.Context, parentID, title string) ([]TreeNode, error) {
	path := "/v1/documents/" + url.PathEscape(parentID) + "/children?title=" + url.QueryEscape(title)
	var resp struct {
		Nodes []wireNode `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	nodes := make([]TreeNode, 0, len(resp.Nodes))
	for _, n := range resp.Nodes {
		nodes = append(nodes, n.toNode())
	}
	return nodes, nil
}
