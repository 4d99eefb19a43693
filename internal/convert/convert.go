// Package convert turns remote document content into canonical file bytes
// and back. The conversions are pure functions: the sync core hashes and
// compares their output, and the heavy block-tree work happens on the
// service side behind the remote client.
//
// File format: leaf and container pages are plain markdown bodies.
// Database entries carry a YAML frontmatter block (the database property
// values) delimited by "---" lines, followed by the body. Database schemas
// are stored as a bare YAML document in the _schema file.
package convert

import (
	"bytes"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/docsync/internal/hash"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/state"
)

var frontmatterDelim = []byte("---\n")

// Render produces the canonical file bytes for a document of the given
// kind. The result is stable: rendering the same content twice yields
// byte-identical output, so hashes computed over it are comparable across
// runs.
func Render(kind state.Kind, content *remote.Content) ([]byte, error) {
	switch kind {
	case state.KindDatabaseEntry:
		return renderFrontmatter(content.Properties, content.Markdown)
	case state.KindDatabase:
		return RenderSchema(content.Schema)
	default:
		return hash.Canonicalize(content.Markdown), nil
	}
}

// Parse is the inverse of Render: it splits canonical file bytes into
// remote content for the given kind.
func Parse(kind state.Kind, b []byte) (*remote.Content, error) {
	switch kind {
	case state.KindDatabaseEntry:
		props, body, err := SplitFrontmatter(b)
		if err != nil {
			return nil, err
		}
		return &remote.Content{Markdown: body, Properties: props}, nil
	case state.KindDatabase:
		schema, err := ParseSchema(b)
		if err != nil {
			return nil, err
		}
		return &remote.Content{Schema: schema}, nil
	default:
		return &remote.Content{Markdown: hash.Canonicalize(b)}, nil
	}
}

func renderFrontmatter(props map[string]any, body []byte) ([]byte, error) {
	canonical := hash.Canonicalize(body)
	if len(props) == 0 {
		return canonical, nil
	}

	raw, err := marshalYAMLStable(props)
	if err != nil {
		return nil, fmt.Errorf("failed to render frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(frontmatterDelim)
	buf.Write(raw)
	buf.Write(frontmatterDelim)
	buf.Write(canonical)
	return buf.Bytes(), nil
}

// SplitFrontmatter separates a YAML frontmatter block from the body. Files
// without a frontmatter block parse as (nil, canonical body).
func SplitFrontmatter(b []byte) (map[string]any, []byte, error) {
	canonical := hash.Canonicalize(b)
	if !bytes.HasPrefix(canonical, frontmatterDelim) {
		return nil, canonical, nil
	}

	rest := canonical[len(frontmatterDelim):]
	end := bytes.Index(rest, frontmatterDelim)
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated frontmatter block")
	}

	var props map[string]any
	if err := yaml.Unmarshal(rest[:end], &props); err != nil {
		return nil, nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}

	body := rest[end+len(frontmatterDelim):]
	return props, hash.Canonicalize(body), nil
}

// RenderSchema produces the canonical _schema file bytes for a database.
func RenderSchema(schema map[string]any) ([]byte, error) {
	if len(schema) == 0 {
		return []byte{}, nil
	}
	raw, err := marshalYAMLStable(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to render schema: %w", err)
	}
	return hash.Canonicalize(raw), nil
}

// ParseSchema parses _schema file bytes.
func ParseSchema(b []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var schema map[string]any
	if err := yaml.Unmarshal(b, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return schema, nil
}

// marshalYAMLStable encodes m with deterministic key order. yaml.v3 sorts
// map keys on encode, which keeps rendered frontmatter stable across runs.
func marshalYAMLStable(m map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Diff computes the minimal update patch transforming old into new. The
// patch carries both the operation list (for the service's block-level
// apply) and the full canonical result (which makes re-applying the same
// patch idempotent by content).
func Diff(old, new []byte) remote.Patch {
	oldC := hash.Canonicalize(old)
	newC := hash.Canonicalize(new)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(oldC), string(newC), true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	ops := make([]remote.PatchOp, 0, len(diffs))
	for _, d := range diffs {
		var op string
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			op = "equal"
		case diffmatchpatch.DiffInsert:
			op = "insert"
		case diffmatchpatch.DiffDelete:
			op = "delete"
		}
		ops = append(ops, remote.PatchOp{Op: op, Text: d.Text})
	}

	return remote.Patch{Markdown: newC, Ops: ops}
}
