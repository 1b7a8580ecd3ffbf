package telegram

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Telegram accepts only a small HTML subset; anything else in a message
// body must be escaped or flattened. expandableQuoteLines is the line
// count past which a quote renders collapsed.
const expandableQuoteLines = 4

var (
	htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// RenderHTML converts markdown into the HTML subset Telegram parses:
// b/i/s/u, code and pre, links, and blockquotes (expandable when long).
// Headings become bold lines and lists become bullet lines; Telegram has
// no block layout of its own.
func RenderHTML(md string) string {
	parser := goldmark.New(goldmark.WithExtensions(extension.Strikethrough)).Parser()
	doc := parser.Parse(text.NewReader([]byte(md)))

	var b strings.Builder
	renderBlockChildren(&b, doc, []byte(md))
	return strings.TrimSpace(b.String())
}

func renderBlockChildren(b *strings.Builder, parent ast.Node, src []byte) {
	first := true
	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		if !first {
			b.WriteString("\n\n")
		}
		renderBlock(b, c, src)
		first = false
	}
}

func renderBlock(b *strings.Builder, n ast.Node, src []byte) {
	switch v := n.(type) {
	case *ast.Heading:
		b.WriteString("<b>")
		renderInlineChildren(b, v, src)
		b.WriteString("</b>")
	case *ast.Blockquote:
		var inner strings.Builder
		renderBlockChildren(&inner, v, src)
		quoted := strings.TrimSpace(inner.String())
		if strings.Count(quoted, "\n") >= expandableQuoteLines {
			fmt.Fprintf(b, "<blockquote expandable>%s</blockquote>", quoted)
		} else {
			fmt.Fprintf(b, "<blockquote>%s</blockquote>", quoted)
		}
	case *ast.FencedCodeBlock:
		code := escapeHTML(blockText(v, src))
		if lang := string(v.Language(src)); lang != "" {
			fmt.Fprintf(b, "<pre><code class=\"language-%s\">%s</code></pre>", escapeAttr(lang), code)
		} else {
			fmt.Fprintf(b, "<pre>%s</pre>", code)
		}
	case *ast.CodeBlock:
		fmt.Fprintf(b, "<pre>%s</pre>", escapeHTML(blockText(v, src)))
	case *ast.List:
		renderList(b, v, src, 0)
	case *ast.ThematicBreak:
		b.WriteString("───")
	case *ast.HTMLBlock:
		// raw HTML is untrusted model output; show it as text
		b.WriteString(escapeHTML(blockText(v, src)))
	default:
		renderInlineChildren(b, n, src)
	}
}

func renderList(b *strings.Builder, l *ast.List, src []byte, depth int) {
	indent := strings.Repeat("  ", depth)
	idx := l.Start
	first := true
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		if !first {
			b.WriteString("\n")
		}
		first = false

		b.WriteString(indent)
		if l.IsOrdered() {
			fmt.Fprintf(b, "%d. ", idx)
			idx++
		} else {
			b.WriteString("• ")
		}

		itemFirst := true
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if nested, ok := c.(*ast.List); ok {
				b.WriteString("\n")
				renderList(b, nested, src, depth+1)
				itemFirst = false
				continue
			}
			if !itemFirst {
				b.WriteString("\n" + indent + "  ")
			}
			renderBlock(b, c, src)
			itemFirst = false
		}
	}
}

func renderInlineChildren(b *strings.Builder, parent ast.Node, src []byte) {
	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		renderInline(b, c, src)
	}
}

func renderInline(b *strings.Builder, n ast.Node, src []byte) {
	switch v := n.(type) {
	case *ast.Text:
		b.WriteString(escapeHTML(string(v.Segment.Value(src))))
		if v.SoftLineBreak() || v.HardLineBreak() {
			b.WriteString("\n")
		}
	case *ast.String:
		b.WriteString(escapeHTML(string(v.Value)))
	case *ast.Emphasis:
		tag := "i"
		if v.Level >= 2 {
			tag = "b"
		}
		fmt.Fprintf(b, "<%s>", tag)
		renderInlineChildren(b, v, src)
		fmt.Fprintf(b, "</%s>", tag)
	case *extast.Strikethrough:
		b.WriteString("<s>")
		renderInlineChildren(b, v, src)
		b.WriteString("</s>")
	case *ast.CodeSpan:
		b.WriteString("<code>")
		for c := v.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				b.WriteString(escapeHTML(string(t.Segment.Value(src))))
			}
		}
		b.WriteString("</code>")
	case *ast.Link:
		fmt.Fprintf(b, "<a href=\"%s\">", escapeAttr(string(v.Destination)))
		renderInlineChildren(b, v, src)
		b.WriteString("</a>")
	case *ast.AutoLink:
		url := string(v.URL(src))
		fmt.Fprintf(b, "<a href=\"%s\">%s</a>", escapeAttr(url), escapeHTML(url))
	case *ast.Image:
		// no inline images; keep the alt text
		renderInlineChildren(b, v, src)
	case *ast.RawHTML:
		for i := 0; i < v.Segments.Len(); i++ {
			seg := v.Segments.At(i)
			b.WriteString(escapeHTML(string(seg.Value(src))))
		}
	default:
		renderInlineChildren(b, n, src)
	}
}

func blockText(n ast.Node, src []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}

// SplitMessage cuts s into rune-safe chunks within Telegram's message
// limit, preferring to break at a newline near the end of each window.
func SplitMessage(s string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	var chunks []string
	r := []rune(s)
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i > limit-limit/5-1 && i > 0; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(r[:cut]), "\n"))
		r = r[cut:]
	}
	if len(r) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}
