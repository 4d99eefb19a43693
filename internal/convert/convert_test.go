package convert

import (
	"strings"
	"testing"

	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/state"
)

// TestRender_Leaf verifies plain pages render to canonical markdown.
func TestRender_Leaf(t *testing.T) {
	content := &remote.Content{Markdown: []byte("hello\r\nworld")}
	got, err := Render(state.KindLeaf, content)
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	if string(got) != "hello\nworld\n" {
		t.Errorf("Render() = %q, want %q", got, "hello\nworld\n")
	}
}

// TestRender_DatabaseEntry verifies frontmatter rendering and that the
// output is stable across calls.
func TestRender_DatabaseEntry(t *testing.T) {
	content := &remote.Content{
		Markdown:   []byte("body text"),
		Properties: map[string]any{"status": "open", "priority": 2},
	}

	first, err := Render(state.KindDatabaseEntry, content)
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	second, err := Render(state.KindDatabaseEntry, content)
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("rendering is not deterministic:\n%q\n%q", first, second)
	}

	if !strings.HasPrefix(string(first), "---\n") {
		t.Errorf("expected frontmatter delimiter, got %q", first)
	}
	if !strings.HasSuffix(string(first), "body text\n") {
		t.Errorf("expected body after frontmatter, got %q", first)
	}
}

// TestFrontmatter_RoundTrip verifies Parse inverts Render for database
// entries.
func TestFrontmatter_RoundTrip(t *testing.T) {
	content := &remote.Content{
		Markdown:   []byte("the body\n"),
		Properties: map[string]any{"status": "open", "tags": []any{"a", "b"}},
	}

	rendered, err := Render(state.KindDatabaseEntry, content)
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}

	parsed, err := Parse(state.KindDatabaseEntry, rendered)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if string(parsed.Markdown) != "the body\n" {
		t.Errorf("body round-trip mismatch: %q", parsed.Markdown)
	}
	if parsed.Properties["status"] != "open" {
		t.Errorf("property round-trip mismatch: %v", parsed.Properties)
	}

	// Render of the parse must be byte-identical (canonical stability).
	again, err := Render(state.KindDatabaseEntry, parsed)
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	if string(again) != string(rendered) {
		t.Errorf("canonical form unstable:\n%q\n%q", rendered, again)
	}
}

// TestSplitFrontmatter_NoBlock verifies bodies without frontmatter parse
// whole.
func TestSplitFrontmatter_NoBlock(t *testing.T) {
	props, body, err := SplitFrontmatter([]byte("just a body"))
	if err != nil {
		t.Fatalf("SplitFrontmatter() failed: %v", err)
	}
	if props != nil {
		t.Errorf("expected nil properties, got %v", props)
	}
	if string(body) != "just a body\n" {
		t.Errorf("body = %q", body)
	}
}

// TestSplitFrontmatter_Unterminated verifies a missing closing delimiter
// is an error.
func TestSplitFrontmatter_Unterminated(t *testing.T) {
	if _, _, err := SplitFrontmatter([]byte("---\nstatus: open\n")); err == nil {
		t.Error("expected error for unterminated frontmatter")
	}
}

// TestSplitFrontmatter_BadYAML verifies malformed YAML surfaces as an
// error.
func TestSplitFrontmatter_BadYAML(t *testing.T) {
	if _, _, err := SplitFrontmatter([]byte("---\n\t{bad\n---\nbody\n")); err == nil {
		t.Error("expected error for malformed frontmatter")
	}
}

// TestSchema_RoundTrip verifies database schema rendering and parsing.
func TestSchema_RoundTrip(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{"Status": "select", "Due": "date"},
	}

	rendered, err := RenderSchema(schema)
	if err != nil {
		t.Fatalf("RenderSchema() failed: %v", err)
	}

	parsed, err := ParseSchema(rendered)
	if err != nil {
		t.Fatalf("ParseSchema() failed: %v", err)
	}
	props, ok := parsed["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema shape lost: %v", parsed)
	}
	if props["Status"] != "select" {
		t.Errorf("schema round-trip mismatch: %v", props)
	}
}

// TestDiff verifies the patch carries both the op list and the canonical
// result.
func TestDiff(t *testing.T) {
	patch := Diff([]byte("hello\n"), []byte("hello world\n"))

	if string(patch.Markdown) != "hello world\n" {
		t.Errorf("patch markdown = %q", patch.Markdown)
	}
	if len(patch.Ops) == 0 {
		t.Fatal("expected diff ops")
	}

	inserted := false
	for _, op := range patch.Ops {
		if op.Op == "insert" && strings.Contains(op.Text, "world") {
			inserted = true
		}
	}
	if !inserted {
		t.Errorf("expected an insert op containing the new text, got %v", patch.Ops)
	}
}

// TestDiff_Identical verifies an empty edit yields only equal ops.
func TestDiff_Identical(t *testing.T) {
	patch := Diff([]byte("same\n"), []byte("same\n"))
	for _, op := range patch.Ops {
		if op.Op != "equal" {
			t.Errorf("unexpected op %v for identical content", op)
		}
	}
}
