package services

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// ParseInsights extracts individual facts from a model reply written in markdown. List items are taken as
// facts; when the reply contains no list, each non-empty paragraph is one fact. Whitespace is collapsed and
// duplicates (case-insensitive) are dropped, keeping the first occurrence.
func ParseInsights(reply string) []string {
	src := []byte(reply)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var items, paragraphs []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindListItem:
			// Only the item's own text; nested lists are visited as items of their own.
			var sb strings.Builder
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if c.Kind() == ast.KindList {
					continue
				}
				writeLines(&sb, c, src)
			}
			items = append(items, sb.String())
		case ast.KindParagraph:
			if n.Parent() != nil && n.Parent().Kind() == ast.KindDocument {
				var sb strings.Builder
				writeLines(&sb, n, src)
				paragraphs = append(paragraphs, sb.String())
			}
		}
		return ast.WalkContinue, nil
	})

	candidates := items
	if len(candidates) == 0 {
		candidates = paragraphs
	}

	seen := make(map[string]bool, len(candidates))
	insights := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.Join(strings.Fields(c), " ")
		if c == "" {
			continue
		}
		key := strings.ToLower(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		insights = append(insights, c)
	}
	return insights
}

func writeLines(sb *strings.Builder, n ast.Node, src []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.Write(seg.Value(src))
	}
}
