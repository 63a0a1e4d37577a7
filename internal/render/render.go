// Package render turns assistant markdown into sanitized HTML.
package render

import (
	"bytes"
	"html"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer converts markdown to HTML that is safe to inject into the page.
// It is safe for concurrent use.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// New creates a renderer with GitHub-flavoured markdown and the UGC
// sanitizing policy.
func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

// HTML renders text. On a conversion failure the escaped source is
// returned so the reply is never lost.
func (r *Renderer) HTML(text string) string {
	if text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		slog.Warn("Markdown conversion failed", "error", err)
		return "<p>" + html.EscapeString(text) + "</p>"
	}
	return r.policy.Sanitize(buf.String())
}
