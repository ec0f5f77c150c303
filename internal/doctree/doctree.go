// Package doctree models the structured content tree of a playbook and
// extracts the objects it embeds.
package doctree

import (
	"encoding/json"
	"fmt"
)

// Node kinds. The set is closed: anything else is a recoverable parse
// warning, never a crash.
const (
	NodeDoc           = "doc"
	NodeContainer     = "container"
	NodeParagraph     = "paragraph"
	NodeText          = "text"
	NodeLink          = "link"
	NodeSnippetEmbed  = "snippet_embed"
	NodePlaybookEmbed = "playbook_embed"
	NodePlaybookLink  = "playbook_link"
)

// Containment kinds recorded against extracted references.
const (
	EmbedSnippet        = "snippet"
	EmbedPlaybookInline = "playbook_inline"
	EmbedPlaybookLink   = "playbook_link"
)

// Node is one tagged node in a content tree.
type Node struct {
	Type    string          `json:"type"`
	Attrs   map[string]any  `json:"attrs,omitempty"`
	Content []Node          `json:"content,omitempty"`
	Text    string          `json:"text,omitempty"`
	Marks   json.RawMessage `json:"marks,omitempty"`
}

// Embed is one extracted reference to another content object.
type Embed struct {
	StaticID string
	Kind     string
}

// Parse decodes a raw payload into a content tree. An empty payload yields
// an empty doc node.
func Parse(raw json.RawMessage) (Node, error) {
	if len(raw) == 0 {
		return Node{Type: NodeDoc}, nil
	}
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return Node{}, fmt.Errorf("parse content tree: %w", err)
	}
	if root.Type == "" {
		return Node{}, fmt.Errorf("parse content tree: root node has no type")
	}
	return root, nil
}

// Extract walks the tree depth-first and collects every embedded-object
// reference, de-duplicated by (staticId, kind) with first occurrence
// preserved. Unknown node kinds and embed nodes missing their staticId are
// reported as warnings and otherwise skipped; their children are still
// visited.
func Extract(root Node) ([]Embed, []string) {
	var (
		embeds   []Embed
		warnings []string
		seen     = map[Embed]struct{}{}
	)

	var walk func(node Node)
	walk = func(node Node) {
		switch node.Type {
		case NodeDoc, NodeContainer, NodeParagraph, NodeText, NodeLink:
			// structural nodes carry no references of their own
		case NodeSnippetEmbed:
			collect(node, EmbedSnippet, seen, &embeds, &warnings)
		case NodePlaybookEmbed:
			collect(node, EmbedPlaybookInline, seen, &embeds, &warnings)
		case NodePlaybookLink:
			collect(node, EmbedPlaybookLink, seen, &embeds, &warnings)
		default:
			warnings = append(warnings, fmt.Sprintf("unknown node kind %q", node.Type))
		}
		for _, child := range node.Content {
			walk(child)
		}
	}
	walk(root)

	return embeds, warnings
}

func collect(node Node, kind string, seen map[Embed]struct{}, embeds *[]Embed, warnings *[]string) {
	staticID, _ := node.Attrs["staticId"].(string)
	if staticID == "" {
		*warnings = append(*warnings, fmt.Sprintf("%s node without staticId", node.Type))
		return
	}
	embed := Embed{StaticID: staticID, Kind: kind}
	if _, ok := seen[embed]; ok {
		return
	}
	seen[embed] = struct{}{}
	*embeds = append(*embeds, embed)
}

// PlainText flattens the tree's text content, used when indexing an object
// for search.
func PlainText(root Node) string {
	var out []byte
	var walk func(node Node)
	walk = func(node Node) {
		if node.Type == NodeText && node.Text != "" {
			if len(out) > 0 {
				out = append(out, ' ')
			}
			out = append(out, node.Text...)
		}
		for _, child := range node.Content {
			walk(child)
		}
	}
	walk(root)
	return string(out)
}
