package utils

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/text"
)

// ValidateMarkdown reports whether the input parses as Markdown.
// Goldmark is permissive, so this mostly guards against binary garbage
// in prompt templates.
func ValidateMarkdown(input string) bool {
	parser := goldmark.DefaultParser()
	reader := text.NewReader([]byte(input))
	doc := parser.Parse(reader)
	return doc != nil && doc.Kind().String() == "Document"
}
