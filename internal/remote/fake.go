package remote

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeDoc is one document held by the Fake service.
type FakeDoc struct {
	Node       TreeNode
	Markdown   []byte
	Properties map[string]any
	Schema     map[string]any
	Archived   bool
}

// Fake is an in-memory implementation of Client for tests. It models the
// service as a flat id-keyed map with parent links and a monotonically
// advancing clock, and supports scripted failures for retry tests.
type Fake struct {
	mu   sync.Mutex
	docs map[string]*FakeDoc
	now  time.Time

	// failures maps an operation name ("update", "create", ...) to a queue
	// of errors returned before the operation starts succeeding.
	failures map[string][]error

	// hidden documents are omitted from FetchTree (indexing lag).
	hidden map[string]bool

	// Calls records operation names in invocation order.
	Calls []string
}

// NewFake creates an empty fake service with its clock at a fixed origin.
func NewFake() *Fake {
	return &Fake{
		docs:     make(map[string]*FakeDoc),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		failures: make(map[string][]error),
	}
}

// Tick advances the fake clock and returns the new time. Every mutation
// also advances the clock so mtimes are strictly increasing.
func (f *Fake) Tick() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickLocked()
}

func (f *Fake) tickLocked() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

// FailNext scripts the next len(errs) calls of op to fail with the given
// errors before succeeding.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// ThrottleError returns the error the service produces when rate limiting.
func ThrottleError() error {
	return &APIError{StatusCode: http.StatusTooManyRequests, Message: "rate limited"}
}

func (f *Fake) scriptedFailure(op string) error {
	f.Calls = append(f.Calls, op)
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

// Seed inserts a document directly, bypassing failure scripting. Returns
// the assigned id.
func (f *Fake) Seed(parentID string, kind Kind, title string, markdown []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New().String()
	f.docs[id] = &FakeDoc{
		Node: TreeNode{
			ID:       id,
			ParentID: parentID,
			Kind:     kind,
			Title:    title,
			MTime:    f.tickLocked(),
			URL:      "https://docs.example.com/" + id,
		},
		Markdown: append([]byte(nil), markdown...),
	}
	return id
}

// EditExternally simulates an out-of-band remote edit: content is replaced
// and the mtime advances.
func (f *Fake) EditExternally(id string, markdown []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return
	}
	doc.Markdown = append([]byte(nil), markdown...)
	doc.Node.MTime = f.tickLocked()
}

// HideFromTree keeps a document out of FetchTree results while leaving it
// visible to FindChild and FetchContent, simulating the indexing lag
// between a create committing and the document appearing in traversal.
func (f *Fake) HideFromTree(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hidden == nil {
		f.hidden = make(map[string]bool)
	}
	f.hidden[id] = true
}

// DeleteExternally simulates an out-of-band remote deletion.
func (f *Fake) DeleteExternally(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.Archived = true
	}
}

// Doc returns a copy of the document with the given id, or nil.
func (f *Fake) Doc(id string) *FakeDoc {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil
	}
	cp := *doc
	cp.Markdown = append([]byte(nil), doc.Markdown...)
	return &cp
}

// FetchTree implements Client. Nodes are reported parent-before-child in
// title order, mirroring the service's traversal.
func (f *Fake) FetchTree(ctx context.Context, rootID string, fn func(TreeNode) error) error {
	f.mu.Lock()
	if err := f.scriptedFailure("fetch_tree"); err != nil {
		f.mu.Unlock()
		return err
	}

	children := make(map[string][]TreeNode)
	for id, doc := range f.docs {
		if doc.Archived || f.hidden[id] {
			continue
		}
		children[doc.Node.ParentID] = append(children[doc.Node.ParentID], doc.Node)
	}
	for _, nodes := range children {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Title < nodes[j].Title })
	}
	f.mu.Unlock()

	var walk func(id string) error
	walk = func(id string) error {
		for _, node := range children[id] {
			if err := fn(node); err != nil {
				return err
			}
			if err := walk(node.ID); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(rootID)
}

// FetchContent implements Client.
func (f *Fake) FetchContent(ctx context.Context, id string) (*Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("fetch_content"); err != nil {
		return nil, err
	}
	doc, ok := f.docs[id]
	if !ok || doc.Archived {
		return nil, &APIError{StatusCode: http.StatusNotFound, Message: "document not found"}
	}
	return &Content{
		Markdown:   append([]byte(nil), doc.Markdown...),
		Properties: doc.Properties,
		Schema:     doc.Schema,
	}, nil
}

// Create implements Client.
func (f *Fake) Create(ctx context.Context, req CreateRequest) (*TreeNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("create"); err != nil {
		return nil, err
	}
	if req.Title == "" {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Message: "title is required"}
	}

	id := uuid.New().String()
	doc := &FakeDoc{
		Node: TreeNode{
			ID:       id,
			ParentID: req.ParentID,
			Kind:     req.Kind,
			Title:    req.Title,
			MTime:    f.tickLocked(),
			URL:      "https://docs.example.com/" + id,
		},
		Markdown:   append([]byte(nil), req.Markdown...),
		Properties: req.Properties,
		Schema:     req.Schema,
	}
	f.docs[id] = doc
	node := doc.Node
	return &node, nil
}

// Update implements Client. The fake applies the patch's full markdown,
// which matches the service's by-content idempotence.
func (f *Fake) Update(ctx context.Context, id string, patch Patch) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("update"); err != nil {
		return time.Time{}, err
	}
	doc, ok := f.docs[id]
	if !ok || doc.Archived {
		return time.Time{}, &APIError{StatusCode: http.StatusNotFound, Message: "document not found"}
	}
	doc.Markdown = append([]byte(nil), patch.Markdown...)
	if patch.Properties != nil {
		doc.Properties = patch.Properties
	}
	if patch.Schema != nil {
		doc.Schema = patch.Schema
	}
	if patch.Title != "" {
		doc.Node.Title = patch.Title
	}
	doc.Node.MTime = f.tickLocked()
	return doc.Node.MTime, nil
}

// Delete implements Client.
func (f *Fake) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("delete"); err != nil {
		return err
	}
	doc, ok := f.docs[id]
	if !ok {
		return &APIError{StatusCode: http.StatusNotFound, Message: "document not found"}
	}
	doc.Archived = true
	return nil
}

// FindChild implements Client.
func (f *Fake) FindChild(ctx context.Context, parentID, title string) ([]TreeNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("find_child"); err != nil {
		return nil, err
	}
	var nodes []TreeNode
	for _, doc := range f.docs {
		if doc.Archived {
			continue
		}
		if doc.Node.ParentID == parentID && doc.Node.Title == title {
			nodes = append(nodes, doc.Node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// ensure Fake satisfies the interface.
var _ Client = (*Fake)(nil)

// ensure HTTPClient satisfies the interface.
var _ Client = (*HTTPClient)(nil)

// ensure Limited satisfies the interface.
var _ Client = (*Limited)(nil)

// String implements fmt.Stringer for test diagnostics.
func (f *Fake) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fake remote with %d documents", len(f.docs))
}
