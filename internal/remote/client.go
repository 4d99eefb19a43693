// Package remote provides typed, rate-limited access to the remote
// document service.
//
// The core never sees the wire protocol: it consumes the Client interface,
// whose production implementation is the HTTP client wrapped by Limited
// (bounded concurrency, request spacing, retry with exponential backoff).
// The in-memory Fake backs engine and daemon tests.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a remote document node.
type Kind string

const (
	// KindPage is an ordinary page; a page with children maps to a local
	// container directory.
	KindPage Kind = "page"
	// KindDatabase is a database with a property schema.
	KindDatabase Kind = "database"
	// KindDatabaseEntry is a row of a database.
	KindDatabaseEntry Kind = "database_entry"
)

// TreeNode is one node of the remote document tree as reported by
// FetchTree. Content is fetched separately and lazily.
type TreeNode struct {
	ID       string
	ParentID string
	Kind     Kind
	Title    string
	MTime    time.Time
	URL      string
}

// Content is one document's rendered content. Markdown is the
// deterministically rendered canonical body; Properties carries database
// property values (nil for plain pages). Schema is set only for databases.
type Content struct {
	Markdown   []byte
	Properties map[string]any
	Schema     map[string]any
}

// CreateRequest describes a document to create remotely.
type CreateRequest struct {
	ParentID   string
	Kind       Kind
	Title      string
	Markdown   []byte
	Properties map[string]any
	Schema     map[string]any
}

// PatchOp is one operation of a minimal block diff.
type PatchOp struct {
	// Op is "equal", "insert", or "delete".
	Op string `json:"op"`
	// Text is the affected text span.
	Text string `json:"text"`
}

// Patch is a minimal content diff applied by Update. Markdown carries the
// full canonical result so that re-applying the same patch is idempotent by
// content; Ops carries the block-level operations the service applies.
type Patch struct {
	Markdown   []byte
	Ops        []PatchOp
	Properties map[string]any
	Schema     map[string]any
	Title      string
}

// Client is the typed surface over the remote document service consumed by
// the sync core. All calls honor ctx cancellation.
type Client interface {
	// FetchTree traverses the remote subtree under rootID, invoking fn for
	// each node (the root itself is not reported). Traversal stops at the
	// first error returned by fn.
	FetchTree(ctx context.Context, rootID string, fn func(TreeNode) error) error

	// FetchContent retrieves one document's rendered content.
	FetchContent(ctx context.Context, id string) (*Content, error)

	// Create creates a new remote document and returns its node. Create is
	// not idempotent: callers must record the returned id durably, and probe
	// with FindChild before re-creating after a crash.
	Create(ctx context.Context, req CreateRequest) (*TreeNode, error)

	// Update applies a minimal diff and returns the new remote mtime.
	Update(ctx context.Context, id string, patch Patch) (time.Time, error)

	// Delete archives the remote document.
	Delete(ctx context.Context, id string) error

	// FindChild returns the direct children of parentID whose title equals
	// title exactly. Used for orphan adoption after a crashed create.
	FindChild(ctx context.Context, parentID, title string) ([]TreeNode, error)
}

// APIError is a non-transport failure reported by the remote service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote service returned status %d: %s", e.StatusCode, e.Message)
}

// IsThrottle reports whether err is a rate-limit response.
func IsThrottle(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether err should be retried with backoff:
// throttling, server errors, and transport failures qualify; other 4xx
// responses fail immediately.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	// Context cancellation is the caller giving up, not a flaky remote.
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Transport-level failures (including per-attempt deadlines).
	return true
}

// IsAuth reports whether err is an authentication or authorization failure.
func IsAuth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsNotFound reports whether err is a missing-document failure.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
